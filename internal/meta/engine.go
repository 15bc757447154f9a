package meta

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// EngineDescriptorFile is the engine identity file inside the data directory.
const EngineDescriptorFile = "engine.yaml"

// EngineDescriptor is the persisted identity of the local engine.
type EngineDescriptor struct {
	EngineID string `yaml:"engineId"`
	Created  int64  `yaml:"created"`
}

// MachineSerialPaths are read in order to find a hardware serial for the host.
var MachineSerialPaths = []string{
	"/sys/firmware/devicetree/base/serial-number",
	"/proc/device-tree/serial-number",
	"/sys/class/dmi/id/product_serial",
}

// EngineIdentity returns the engine ID persisted in dataDir. When none exists
// it derives one from the machine serial (or generates a UUID) and persists
// it. An error means no identity can be kept, which is fatal for an engine.
func EngineIdentity(dataDir string, serialPaths []string, logger *slog.Logger) (*EngineDescriptor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(dataDir, EngineDescriptorFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var d EngineDescriptor
		if err := yaml.Unmarshal(data, &d); err == nil && d.EngineID != "" {
			return &d, nil
		}
		logger.Warn("unreadable engine descriptor, re-identifying", "path", path)
	case !errors.Is(err, os.ErrNotExist):
		logger.Warn("failed to read engine descriptor", "path", path, "error", err)
	}

	d := &EngineDescriptor{Created: time.Now().UnixMilli()}
	if serial := readMachineSerial(serialPaths); serial != "" {
		d.EngineID = serial
	} else {
		d.EngineID = uuid.NewString()
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	out, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding engine descriptor: %w", err)
	}
	if err := writeFileAtomic(path, out); err != nil {
		return nil, fmt.Errorf("writing engine descriptor: %w", err)
	}
	logger.Info("identified engine", "engine_id", d.EngineID)
	return d, nil
}

func readMachineSerial(paths []string) string {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		serial := strings.Trim(strings.TrimSpace(string(data)), "\x00")
		serial = strings.TrimLeft(serial, "0")
		if serial != "" && isAlphanumeric(serial) {
			return serial
		}
	}
	return ""
}
