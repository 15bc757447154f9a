package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/fleet-engine/internal/metrics"
	"github.com/narvanalabs/fleet-engine/internal/models"
	"github.com/narvanalabs/fleet-engine/internal/replica"
	"github.com/narvanalabs/fleet-engine/internal/store"
	"github.com/narvanalabs/fleet-engine/pkg/logger"
)

// DefaultRetention is how many acknowledged commands an engine keeps.
const DefaultRetention = 200

// DefaultHorizon is how long pruned commands leave tombstones behind. Queued
// commands issued longer ago than this are dropped without running, so a
// replica that missed the prune cannot bring one back to life.
const DefaultHorizon = 24 * time.Hour

func commandPath(engineID, commandID string) replica.Path {
	return store.RecordPath(store.KindEngine, engineID).Child("commands", commandID)
}

func ackPath(engineID, commandID string) replica.Path {
	return store.RecordPath(store.KindEngine, engineID).Child("processed", commandID)
}

// Send appends line to the command queue of engineID. The queue replicates
// like any other record, so this is the only channel between engines.
func Send(s *store.Store, sender, engineID, line string) (*models.Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmptyCommand
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating command id: %w", err)
	}
	cmd := &models.Command{
		ID:     id.String(),
		Line:   line,
		Sender: sender,
		Issued: time.Now().UnixMilli(),
	}

	_, err = s.Mutate(func(tx *store.Tx) error {
		if _, err := tx.Store().Engine(engineID); err != nil {
			return err
		}
		return tx.Set(commandPath(engineID, cmd.ID), cmd)
	})
	if err != nil {
		return nil, fmt.Errorf("sending to %s: %w", engineID, err)
	}
	return cmd, nil
}

// Processor executes the commands queued for the local engine. Commands
// start in queue order, each on its own goroutine, at most once per ID; the
// result is written back as an acknowledgement so a replayed queue does not
// run them again.
type Processor struct {
	store     *store.Store
	registry  *Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
	retention int
	horizon   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	started map[string]bool
	running int

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewProcessor creates a processor. retention <= 0 uses DefaultRetention.
func NewProcessor(s *store.Store, r *Registry, retention int, m *metrics.Metrics, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Processor{
		store:     s,
		registry:  r,
		metrics:   m,
		logger:    log,
		retention: retention,
		horizon:   DefaultHorizon,
		now:       time.Now,
		started:   make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
}

// Run processes the queue until ctx is done, then waits for running handlers.
func (p *Processor) Run(ctx context.Context) {
	queue := store.RecordPath(store.KindEngine, p.store.LocalEngineID()).Child("commands")
	unsubscribe := p.store.OnChange(func(_ string, patches []replica.Patch) {
		for _, patch := range patches {
			if patch.Action == replica.PatchPut && patch.Path.HasPrefix(queue) {
				p.Notify()
				return
			}
		}
	})
	defer unsubscribe()
	defer p.wg.Wait()

	p.Notify()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			p.drain(ctx)
		}
	}
}

// Notify asks the processor to look at the queue.
func (p *Processor) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) drain(ctx context.Context) {
	eng, err := p.store.Engine(p.store.LocalEngineID())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Error("failed to read command queue", "error", err)
		}
		return
	}

	var expired []string
	for _, cmd := range eng.PendingCommands() {
		if p.expired(cmd) {
			expired = append(expired, cmd.ID)
			continue
		}
		p.mu.Lock()
		seen := p.started[cmd.ID]
		if !seen {
			p.started[cmd.ID] = true
			p.running++
		}
		p.mu.Unlock()
		if seen {
			continue
		}

		p.wg.Add(1)
		go func(cmd models.Command) {
			defer p.wg.Done()
			p.execute(ctx, cmd)
		}(cmd)
	}

	if len(expired) > 0 {
		p.drop(expired)
	}
}

func (p *Processor) expired(cmd models.Command) bool {
	return cmd.Issued > 0 && p.now().Sub(time.UnixMilli(cmd.Issued)) > p.horizon
}

// drop removes queued commands that will never run.
func (p *Processor) drop(ids []string) {
	local := p.store.LocalEngineID()
	_, err := p.store.Mutate(func(tx *store.Tx) error {
		for _, id := range ids {
			tx.Delete(commandPath(local, id))
		}
		return nil
	})
	if err != nil {
		p.logger.Error("failed to drop expired commands", "error", err)
		return
	}
	p.logger.Warn("dropped expired commands", "count", len(ids), "horizon", p.horizon.String())
}

func (p *Processor) execute(ctx context.Context, cmd models.Command) {
	ctx = logger.ContextWithCommandID(ctx, cmd.ID)
	ctx = logger.ContextWithSender(ctx, cmd.Sender)
	log := logger.FromContext(ctx, p.logger)
	log.Info("executing command", "line", cmd.Line)

	out, err := p.registry.Execute(ctx, cmd.Line, ScopeEngine, cmd)
	name, _ := nextToken(cmd.Line)
	p.metrics.Command(name, err)

	ack := models.CommandAck{At: time.Now().UnixMilli(), OK: err == nil, Output: out}
	if err != nil {
		log.Warn("command failed", "line", cmd.Line, "error", err)
		ack.Output = err.Error()
	}

	local := p.store.LocalEngineID()
	if _, err := p.store.Mutate(func(tx *store.Tx) error {
		if err := tx.Set(ackPath(local, cmd.ID), ack); err != nil {
			return err
		}
		p.prune(tx, local)
		return nil
	}); err != nil {
		log.Error("failed to acknowledge command", "error", err)
	}
	p.compact(local)

	p.mu.Lock()
	p.running--
	p.mu.Unlock()
}

// prune drops the oldest acknowledged commands beyond the retention limit.
func (p *Processor) prune(tx *store.Tx, engineID string) {
	eng, err := tx.Store().Engine(engineID)
	if err != nil {
		return
	}
	var acked []string
	for id := range eng.Processed {
		acked = append(acked, id)
	}
	if len(acked) <= p.retention {
		return
	}
	sort.Strings(acked)
	dropped := acked[:len(acked)-p.retention]
	for _, id := range dropped {
		tx.Delete(commandPath(engineID, id))
		tx.Delete(ackPath(engineID, id))
	}

	p.mu.Lock()
	for _, id := range dropped {
		delete(p.started, id)
	}
	p.mu.Unlock()
}

// compact drops queue tombstones older than the horizon.
func (p *Processor) compact(engineID string) {
	record := store.RecordPath(store.KindEngine, engineID)
	cutoff := p.now().Add(-p.horizon)
	n := p.store.Compact(record.Child("commands"), cutoff) + p.store.Compact(record.Child("processed"), cutoff)
	if n > 0 {
		p.logger.Debug("compacted command tombstones", "count", n)
	}
}

// Inflight returns the number of commands currently executing.
func (p *Processor) Inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
