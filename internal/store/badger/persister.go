// Package badger persists the replica in an embedded Badger database so an
// engine keeps its view of the fleet across restarts.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/narvanalabs/fleet-engine/internal/replica"
)

const entryPrefix = "entry/"

// Persister implements store.Persister on Badger.
type Persister struct {
	db     *badgerdb.DB
	logger *slog.Logger
}

// Open opens (or creates) the database in dir. An empty dir opens an
// in-memory database.
func Open(dir string, logger *slog.Logger) (*Persister, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badgerdb.Options
	if dir == "" {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badgerdb.DefaultOptions(filepath.Clean(dir))
		opts = opts.WithValueLogFileSize(1 << 24)
	}
	opts.Logger = nil

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening replica database: %w", err)
	}
	return &Persister{db: db, logger: logger}, nil
}

// Close closes the database.
func (p *Persister) Close() error {
	return p.db.Close()
}

// Ping reports whether the database is open and readable.
func (p *Persister) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.db.IsClosed() {
		return errors.New("replica database is closed")
	}
	return p.db.View(func(*badgerdb.Txn) error { return nil })
}

func entryKey(path replica.Path) []byte {
	return []byte(entryPrefix + path.Key())
}

// Save stores each operation as the current state of its register.
func (p *Persister) Save(ops []replica.Op) error {
	wb := p.db.NewWriteBatch()
	defer wb.Cancel()

	for _, op := range ops {
		data, err := cbor.Marshal(op)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", op.Path, err)
		}
		if err := wb.Set(entryKey(op.Path), data); err != nil {
			return fmt.Errorf("writing %s: %w", op.Path, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flushing replica batch: %w", err)
	}
	return nil
}

// Forget deletes the registers at paths.
func (p *Persister) Forget(paths []replica.Path) error {
	wb := p.db.NewWriteBatch()
	defer wb.Cancel()

	for _, path := range paths {
		if err := wb.Delete(entryKey(path)); err != nil {
			return fmt.Errorf("deleting %s: %w", path, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flushing replica batch: %w", err)
	}
	return nil
}

// Load returns every stored register.
func (p *Persister) Load() ([]replica.Op, error) {
	var ops []replica.Op
	err := p.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(v []byte) error {
				var op replica.Op
				if err := cbor.Unmarshal(v, &op); err != nil {
					return err
				}
				ops = append(ops, op)
				return nil
			})
			if err != nil {
				p.logger.Warn("skipping corrupt replica entry", "key", string(item.Key()), "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading replica: %w", err)
	}
	return ops, nil
}
