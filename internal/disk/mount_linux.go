//go:build linux

package disk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultFSTypes are tried in order when mounting.
var DefaultFSTypes = []string{"ext4", "vfat", "exfat", "ntfs3", "btrfs"}

// UnixMounter mounts with mount(2).
type UnixMounter struct {
	FSTypes   []string
	MountInfo string
}

// NewUnixMounter returns a mounter for the running system.
func NewUnixMounter() *UnixMounter {
	return &UnixMounter{FSTypes: DefaultFSTypes, MountInfo: "/proc/self/mountinfo"}
}

// Mount tries each filesystem type until one succeeds.
func (m *UnixMounter) Mount(ctx context.Context, source, target string) error {
	var lastErr error
	for _, fstype := range m.FSTypes {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := unix.Mount(source, target, fstype, unix.MS_NOATIME, "")
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EBUSY) {
			if mounted, _ := m.IsMounted(target); mounted {
				return nil
			}
		}
		lastErr = fmt.Errorf("mount %s on %s as %s: %w", source, target, fstype, err)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("mount %s: no filesystem types configured", source)
	}
	return lastErr
}

// Unmount unmounts target.
func (m *UnixMounter) Unmount(_ context.Context, target string, detach bool) error {
	flags := 0
	if detach {
		flags = unix.MNT_DETACH
	}
	err := unix.Unmount(target, flags)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOENT):
		return fmt.Errorf("unmount %s: %w", target, ErrNotMounted)
	default:
		return fmt.Errorf("unmount %s: %w", target, err)
	}
}

// IsMounted reports whether target is a mount point.
func (m *UnixMounter) IsMounted(target string) (bool, error) {
	f, err := os.Open(m.MountInfo)
	if err != nil {
		return false, fmt.Errorf("reading mountinfo: %w", err)
	}
	defer f.Close()

	target = filepath.Clean(target)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		if unescapeMountPath(fields[4]) == target {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// unescapeMountPath decodes the octal escapes mountinfo uses for spaces,
// tabs, newlines and backslashes.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
