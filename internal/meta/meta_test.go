package meta

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeSerials map[string]string

func (f fakeSerials) Serial(_ context.Context, device string) (string, error) {
	if s, ok := f[device]; ok {
		return s, nil
	}
	return "", errors.New("no serial")
}

func TestResolveDiskFromSerial(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(fakeSerials{"sdb1": "4C530001230512115283"}, nil)

	id := r.ResolveDisk(context.Background(), dir, "sdb1")
	if id.DiskID != "4C530001230512115283" || id.Source != SourceSerial {
		t.Fatalf("unexpected identity: %+v", id)
	}

	written, err := ReadDescriptor(dir)
	if err != nil {
		t.Fatalf("descriptor not written: %v", err)
	}
	if written.DiskID != id.DiskID || written.Version != DescriptorVersion {
		t.Errorf("written descriptor = %+v", written)
	}
}

func TestResolveDiskIsStableAcrossDevices(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(fakeSerials{}, nil)

	first := r.ResolveDisk(context.Background(), dir, "sdb1")
	if first.Source != SourceGenerated || !IsGeneratedID(first.DiskID) {
		t.Fatalf("expected generated identity, got %+v", first)
	}

	second := r.ResolveDisk(context.Background(), dir, "sdc1")
	if second.DiskID != first.DiskID || second.Source != SourceDescriptor {
		t.Errorf("remount changed identity: %+v vs %+v", second, first)
	}
}

func TestResolveDiskDrift(t *testing.T) {
	dir := t.TempDir()
	if err := WriteDescriptor(dir, &Descriptor{DiskID: "OLDSERIAL01", DiskName: "Media", Created: 42}); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(fakeSerials{"sdb": "NEWSERIAL02"}, nil)
	id := r.ResolveDisk(context.Background(), dir, "sdb")
	if !id.Drifted || id.DiskID != "NEWSERIAL02" || id.PreviousID != "OLDSERIAL01" {
		t.Fatalf("expected drift, got %+v", id)
	}

	written, err := ReadDescriptor(dir)
	if err != nil {
		t.Fatal(err)
	}
	if written.DiskID != "NEWSERIAL02" || written.DiskName != "Media" || written.Created != 42 {
		t.Errorf("rewritten descriptor = %+v", written)
	}
}

func TestResolveDiskKeepsGeneratedID(t *testing.T) {
	dir := t.TempDir()
	generated := "0b8e6f3c-4b6a-4f0e-9f4c-2d1f5a3b7c9e"
	if err := WriteDescriptor(dir, &Descriptor{DiskID: generated, DiskName: "Media"}); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(fakeSerials{"sdb": "SERIAL1234"}, nil)
	if id := r.ResolveDisk(context.Background(), dir, "sdb"); id.DiskID != generated || id.Drifted {
		t.Errorf("generated ID should be kept, got %+v", id)
	}
}

func TestResolveDiskWithCorruptDescriptor(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DescriptorFile), []byte("::: not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(nil, nil)
	id := r.ResolveDisk(context.Background(), dir, "sdb")
	if id.DiskID == "" || id.Source != SourceGenerated {
		t.Errorf("corrupt descriptor should fall back to a generated identity: %+v", id)
	}
}

func TestReadDescriptorMissing(t *testing.T) {
	if _, err := ReadDescriptor(t.TempDir()); !errors.Is(err, ErrNoDescriptor) {
		t.Errorf("expected ErrNoDescriptor, got %v", err)
	}
}

func TestSerialFromByIDName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"usb-SanDisk_Ultra_4C530001230512115283-0:0", "4C530001230512115283"},
		{"usb-SanDisk_Ultra_4C530001230512115283-0:0-part1", "4C530001230512115283"},
		{"ata-Samsung_SSD_870_EVO_1TB_S625NJ0R444358R", "S625NJ0R444358R"},
		{"nvme-eui.0025388b91b1c9e5", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SerialFromByIDName(tt.name); got != tt.want {
				t.Errorf("SerialFromByIDName(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestSystemSerialReaderByID(t *testing.T) {
	byID := t.TempDir()
	link := filepath.Join(byID, "usb-Kingston_DataTraveler_60A44C413A8FF1A0-0:0-part1")
	if err := os.Symlink("../../sdb1", link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	r := &SystemSerialReader{ByIDDir: byID, SysBlock: t.TempDir()}
	serial, err := r.Serial(context.Background(), "/dev/sdb1")
	if err != nil {
		t.Fatalf("Serial failed: %v", err)
	}
	if serial != "60A44C413A8FF1A0" {
		t.Errorf("serial = %q", serial)
	}
}

func TestEngineIdentityPersists(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	serialFile := filepath.Join(t.TempDir(), "serial-number")
	if err := os.WriteFile(serialFile, []byte("00000000a1b2c3d4\x00"), 0o644); err != nil {
		t.Fatal(err)
	}

	first, err := EngineIdentity(dataDir, []string{serialFile}, nil)
	if err != nil {
		t.Fatalf("EngineIdentity failed: %v", err)
	}
	if first.EngineID != "a1b2c3d4" {
		t.Errorf("engine ID = %q", first.EngineID)
	}

	// The persisted ID wins even if the serial source disappears.
	second, err := EngineIdentity(dataDir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.EngineID != first.EngineID {
		t.Errorf("engine ID changed: %q -> %q", first.EngineID, second.EngineID)
	}
}

func TestEngineIdentityGenerated(t *testing.T) {
	d, err := EngineIdentity(t.TempDir(), []string{"/nonexistent/serial"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !IsGeneratedID(d.EngineID) {
		t.Errorf("expected generated engine ID, got %q", d.EngineID)
	}
}
