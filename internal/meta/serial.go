package meta

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// SerialReader looks up the hardware serial number of a block device.
type SerialReader interface {
	Serial(ctx context.Context, device string) (string, error)
}

// SystemSerialReader reads serials from /dev/disk/by-id, lsblk and sysfs.
type SystemSerialReader struct {
	ByIDDir  string
	SysBlock string
	Lsblk    string
}

// NewSystemSerialReader returns a reader using the standard system locations.
func NewSystemSerialReader() *SystemSerialReader {
	return &SystemSerialReader{
		ByIDDir:  "/dev/disk/by-id",
		SysBlock: "/sys/block",
		Lsblk:    "lsblk",
	}
}

// Serial returns the serial of device, given as a name like "sdb1" or a path.
// Partitions resolve to the serial of their parent disk.
func (r *SystemSerialReader) Serial(ctx context.Context, device string) (string, error) {
	name := filepath.Base(device)

	if serial := r.fromByID(name); serial != "" {
		return serial, nil
	}
	if serial := r.fromLsblk(ctx, name); serial != "" {
		return serial, nil
	}
	if serial := r.fromSysBlock(parentDisk(name)); serial != "" {
		return serial, nil
	}
	return "", fmt.Errorf("could not determine serial number for %s", name)
}

func (r *SystemSerialReader) fromByID(name string) string {
	entries, err := os.ReadDir(r.ByIDDir)
	if err != nil {
		return ""
	}

	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		link := entry.Name()
		if strings.HasPrefix(link, "wwn-") {
			continue
		}
		target, err := os.Readlink(filepath.Join(r.ByIDDir, link))
		if err != nil || filepath.Base(target) != name {
			continue
		}
		if serial := SerialFromByIDName(link); serial != "" {
			return serial
		}
	}
	return ""
}

func (r *SystemSerialReader) fromLsblk(ctx context.Context, name string) string {
	if r.Lsblk == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Lsblk, "-ndo", "SERIAL", "/dev/"+name)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return ""
	}
	return strings.TrimSpace(stdout.String())
}

func (r *SystemSerialReader) fromSysBlock(disk string) string {
	for _, p := range []string{
		filepath.Join(r.SysBlock, disk, "device", "serial"),
		filepath.Join(r.SysBlock, disk, "device", "wwid"),
	} {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if serial := strings.TrimSpace(string(data)); serial != "" {
			return serial
		}
	}
	return ""
}

// SerialFromByIDName extracts the serial from a /dev/disk/by-id link name such
// as "usb-SanDisk_Ultra_4C530001230512115283-0:0-part1".
func SerialFromByIDName(name string) string {
	if i := strings.Index(name, "-part"); i > 0 {
		name = name[:i]
	}
	if bus, rest, ok := strings.Cut(name, "-"); ok && bus == "usb" {
		// usb links carry a trailing "-0:0" LUN.
		if i := strings.LastIndex(rest, "-"); i > 0 {
			rest = rest[:i]
		}
		name = rest
	}

	parts := strings.Split(name, "_")
	if len(parts) < 2 {
		return ""
	}
	serial := parts[len(parts)-1]
	if len(serial) >= 6 && len(serial) <= 40 && isAlphanumeric(serial) {
		return serial
	}
	return ""
}

func isAlphanumeric(s string) bool {
	for _, c := range s {
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

// parentDisk strips a trailing partition number: sdb1 -> sdb.
func parentDisk(name string) string {
	return strings.TrimRight(name, "0123456789")
}
