// Package disk implements the disk lifecycle: hot-plug detection, mounting,
// identification, app and instance scans, and undocking.
package disk

import (
	"context"
	"errors"
)

// Action is a hot-plug event kind.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Event is a hot-plug event for one device name, e.g. "sdb1".
type Event struct {
	Action Action
	Device string
}

// Common errors returned by disk operations.
var (
	// ErrNotMounted is returned by Mounter.Unmount when nothing is mounted at
	// the target. Removal treats it as success.
	ErrNotMounted = errors.New("not mounted")
	// ErrIgnoredDevice is returned for device names outside the accepted pattern.
	ErrIgnoredDevice = errors.New("device name not accepted")
	// ErrNotDocked is returned when a disk is not docked to this engine.
	ErrNotDocked = errors.New("disk not docked here")
)

// Mounter mounts and unmounts block devices.
type Mounter interface {
	// Mount mounts source at target.
	Mount(ctx context.Context, source, target string) error
	// Unmount unmounts target. detach requests a lazy unmount for devices
	// that are already gone. It returns ErrNotMounted if nothing is mounted.
	Unmount(ctx context.Context, target string, detach bool) error
	// IsMounted reports whether something is mounted at target.
	IsMounted(target string) (bool, error)
}

// InstanceUndocker stops an instance whose disk is going away and marks it
// Undocked.
type InstanceUndocker interface {
	Undock(ctx context.Context, instanceID string) error
}
