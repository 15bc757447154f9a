package meta

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Source records where a resolved identity came from.
type Source string

const (
	SourceDescriptor Source = "descriptor"
	SourceSerial     Source = "serial"
	SourceGenerated  Source = "generated"
)

// Identity is a resolved disk identity.
type Identity struct {
	Descriptor
	Source Source
	// Drifted is set when the persisted ID was replaced by the hardware serial.
	Drifted bool
	// PreviousID is the persisted ID before a drift.
	PreviousID string
}

// Resolver resolves disk identities.
type Resolver struct {
	serials SerialReader
	logger  *slog.Logger
	now     func() time.Time
}

// NewResolver creates a Resolver. A nil serials reader disables hardware lookup.
func NewResolver(serials SerialReader, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{serials: serials, logger: logger, now: time.Now}
}

// ResolveDisk identifies the disk mounted at dir from device. The descriptor
// on the disk wins; without one the hardware serial is used, and without a
// serial a UUID is generated. A fresh descriptor is written on first
// identification and on drift. Read and write failures are logged and never
// prevent an identity from being returned.
func (r *Resolver) ResolveDisk(ctx context.Context, dir, device string) *Identity {
	logger := r.logger.With("device", device)
	serial := r.serial(ctx, device)

	desc, err := ReadDescriptor(dir)
	if err != nil && !errors.Is(err, ErrNoDescriptor) {
		logger.Warn("unreadable disk descriptor, re-identifying", "error", err)
	}

	if desc != nil {
		id := &Identity{Descriptor: *desc, Source: SourceDescriptor}
		if serial != "" && desc.DiskID != serial && !IsGeneratedID(desc.DiskID) {
			id.PreviousID = desc.DiskID
			id.DiskID = serial
			id.Source = SourceSerial
			id.Drifted = true
			logger.Warn("disk identity drifted", "previous_id", id.PreviousID, "disk_id", serial)
			r.write(logger, dir, &id.Descriptor)
		}
		return id
	}

	now := r.now().UnixMilli()
	id := &Identity{
		Descriptor: Descriptor{
			DiskName:   device,
			Created:    now,
			LastDocked: now,
			Version:    DescriptorVersion,
		},
	}
	if serial != "" {
		id.DiskID = serial
		id.Source = SourceSerial
	} else {
		id.DiskID = uuid.NewString()
		id.Source = SourceGenerated
	}
	r.write(logger, dir, &id.Descriptor)
	logger.Info("identified new disk", "disk_id", id.DiskID, "source", id.Source)
	return id
}

func (r *Resolver) serial(ctx context.Context, device string) string {
	if r.serials == nil {
		return ""
	}
	serial, err := r.serials.Serial(ctx, device)
	if err != nil {
		r.logger.Debug("no hardware serial", "device", device, "error", err)
		return ""
	}
	return serial
}

func (r *Resolver) write(logger *slog.Logger, dir string, d *Descriptor) {
	if err := WriteDescriptor(dir, d); err != nil {
		logger.Error("failed to write disk descriptor", "disk_id", d.DiskID, "error", err)
	}
}

// IsGeneratedID reports whether id is a generated UUID rather than a serial.
func IsGeneratedID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
