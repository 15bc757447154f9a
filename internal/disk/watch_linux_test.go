//go:build linux

package disk

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

func inotifyRecord(mask uint32, name string) []byte {
	padded := len(name) + 1
	if r := padded % 16; r != 0 {
		padded += 16 - r
	}
	buf := make([]byte, unix.SizeofInotifyEvent+padded)
	binary.NativeEndian.PutUint32(buf[4:8], mask)
	binary.NativeEndian.PutUint32(buf[12:16], uint32(padded))
	copy(buf[unix.SizeofInotifyEvent:], name)
	return buf
}

func TestParseInotify(t *testing.T) {
	var buf []byte
	buf = append(buf, inotifyRecord(unix.IN_CREATE, "sdb")...)
	buf = append(buf, inotifyRecord(unix.IN_CREATE, "sdb1")...)
	buf = append(buf, inotifyRecord(unix.IN_DELETE, "sdb1")...)

	got := parseInotify(buf)
	want := []Event{
		{Action: ActionAdd, Device: "sdb"},
		{Action: ActionAdd, Device: "sdb1"},
		{Action: ActionRemove, Device: "sdb1"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestUnescapeMountPath(t *testing.T) {
	if got := unescapeMountPath(`/disks/my\040disk`); got != "/disks/my disk" {
		t.Errorf("unescape = %q", got)
	}
}
