//go:build linux

package disk

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"regexp"

	"golang.org/x/sys/unix"
)

// WatchDevices reports device nodes appearing in and disappearing from dir
// whose names match pattern. The channel closes when ctx is done.
func WatchDevices(ctx context.Context, dir string, pattern *regexp.Regexp, logger *slog.Logger) (<-chan Event, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	if _, err := unix.InotifyAddWatch(fd, dir, unix.IN_CREATE|unix.IN_DELETE|unix.IN_MOVED_TO|unix.IN_MOVED_FROM); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("inotify_add_watch on %s: %w", dir, err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer unix.Close(fd)

		buf := make([]byte, 4096)
		for {
			if ctx.Err() != nil {
				return
			}

			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			n, err := unix.Poll(fds, 200)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				logger.Error("device watch poll failed", "error", err)
				return
			}
			if n == 0 {
				continue
			}

			read, err := unix.Read(fd, buf)
			if err != nil {
				if err == unix.EAGAIN || err == unix.EINTR {
					continue
				}
				logger.Error("device watch read failed", "error", err)
				return
			}

			for _, ev := range parseInotify(buf[:read]) {
				if !pattern.MatchString(ev.Device) {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

// parseInotify decodes raw inotify records (see inotify(7)) into events.
func parseInotify(buf []byte) []Event {
	var out []Event
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		mask := binary.NativeEndian.Uint32(buf[offset+4 : offset+8])
		nameLen := int(binary.NativeEndian.Uint32(buf[offset+12 : offset+16]))
		size := unix.SizeofInotifyEvent + nameLen
		if offset+size > len(buf) {
			break
		}

		if nameLen > 0 {
			name := nullTerminated(buf[offset+unix.SizeofInotifyEvent : offset+size])
			switch {
			case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
				out = append(out, Event{Action: ActionAdd, Device: name})
			case mask&(unix.IN_DELETE|unix.IN_MOVED_FROM) != 0:
				out = append(out, Event{Action: ActionRemove, Device: name})
			}
		}
		offset += size
	}
	return out
}

func nullTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
