// Package meta resolves stable identities for disks and for the local engine.
// Identities come from a small YAML descriptor, from the hardware serial
// number, or are generated.
package meta

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DescriptorFile is the name of the disk descriptor at the root of a mounted disk.
const DescriptorFile = "META.yaml"

// DescriptorVersion is written into new descriptors.
const DescriptorVersion = "1"

// ErrNoDescriptor is returned when a disk carries no descriptor.
var ErrNoDescriptor = errors.New("no descriptor")

// Descriptor is the identity record stored on a disk.
type Descriptor struct {
	DiskID     string `yaml:"diskId"`
	DiskName   string `yaml:"diskName"`
	Created    int64  `yaml:"created"`
	LastDocked int64  `yaml:"lastDocked"`
	Version    string `yaml:"version,omitempty"`
	Type       string `yaml:"type,omitempty"`
}

// ReadDescriptor reads the descriptor in dir.
func ReadDescriptor(dir string) (*Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoDescriptor
		}
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing descriptor: %w", err)
	}
	if d.DiskID == "" {
		return nil, fmt.Errorf("descriptor has no diskId: %w", ErrNoDescriptor)
	}
	return &d, nil
}

// WriteDescriptor replaces the descriptor in dir.
func WriteDescriptor(dir string, d *Descriptor) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding descriptor: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, DescriptorFile), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
