//go:build !linux

package disk

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
)

// NewUnixMounter returns a mounter that always fails outside Linux.
func NewUnixMounter() Mounter {
	return unsupportedMounter{}
}

type unsupportedMounter struct{}

func (unsupportedMounter) Mount(context.Context, string, string) error { return errors.ErrUnsupported }

func (unsupportedMounter) Unmount(context.Context, string, bool) error { return errors.ErrUnsupported }

func (unsupportedMounter) IsMounted(string) (bool, error) { return false, errors.ErrUnsupported }

// WatchDevices is only available on Linux.
func WatchDevices(context.Context, string, *regexp.Regexp, *slog.Logger) (<-chan Event, error) {
	return nil, errors.ErrUnsupported
}
