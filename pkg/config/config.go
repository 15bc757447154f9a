// Package config provides environment-based configuration for the fleet engine.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for an engine process.
type Config struct {
	// DataDir holds the durable replica and the engine descriptor.
	DataDir string

	// Server configuration
	ListenAddr string

	// Networks lists the appnets this engine joins at boot.
	Networks []string
	// StaticPeers maps an appnet to peer addresses dialed at boot.
	StaticPeers map[string][]string
	// NetworkSecret signs link tokens. Empty disables link authentication.
	NetworkSecret string

	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration

	LogLevel  string
	LogFormat string

	Disk      DiskConfig
	Instance  InstanceConfig
	Peer      PeerConfig
	Discovery DiscoveryConfig
	Command   CommandConfig
}

// DiskConfig holds hot-plug and mount configuration.
type DiskConfig struct {
	MountRoot       string
	DeviceDir       string
	DevicePattern   string
	ScanConcurrency int
}

// InstanceConfig holds container lifecycle configuration.
type InstanceConfig struct {
	PortBase     int
	PodmanBinary string
}

// PeerConfig holds reconnection policy for appnet links.
type PeerConfig struct {
	FailureThreshold int
	RetryBackoff     time.Duration
	MaxBackoff       time.Duration
}

// DiscoveryConfig holds mDNS configuration.
type DiscoveryConfig struct {
	Enabled  bool
	Interval time.Duration
}

// CommandConfig holds command queue configuration.
type CommandConfig struct {
	// Retention is the number of acknowledged commands kept per engine.
	Retention int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("ENGINE_DATA_DIR is required")
	}
	if len(c.Networks) == 0 {
		return fmt.Errorf("ENGINE_NETWORKS must name at least one network")
	}
	if _, err := regexp.Compile(c.Disk.DevicePattern); err != nil {
		return fmt.Errorf("DISK_DEVICE_PATTERN is invalid: %w", err)
	}
	if c.Instance.PortBase < 1 || c.Instance.PortBase > 65535 {
		return fmt.Errorf("INSTANCE_PORT_BASE must be between 1 and 65535")
	}
	if c.Peer.FailureThreshold < 1 {
		return fmt.Errorf("PEER_FAILURE_THRESHOLD must be at least 1")
	}
	if c.Disk.ScanConcurrency < 1 {
		return fmt.Errorf("DISK_SCAN_CONCURRENCY must be at least 1")
	}
	return nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		DataDir:           getEnv("ENGINE_DATA_DIR", "/var/lib/fleet-engine"),
		ListenAddr:        getEnv("ENGINE_LISTEN_ADDR", "0.0.0.0:8085"),
		Networks:          getListEnv("ENGINE_NETWORKS", []string{"appnet"}),
		StaticPeers:       parsePeers(getEnv("ENGINE_PEERS", "")),
		NetworkSecret:     getEnv("ENGINE_NETWORK_SECRET", ""),
		HeartbeatInterval: getDurationEnv("ENGINE_HEARTBEAT_INTERVAL", 30*time.Second),
		ShutdownTimeout:   getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		Disk: DiskConfig{
			MountRoot:       getEnv("DISK_MOUNT_ROOT", "/disks"),
			DeviceDir:       getEnv("DISK_DEVICE_DIR", "/dev"),
			DevicePattern:   getEnv("DISK_DEVICE_PATTERN", `^sd[a-z]+[1-9]?$`),
			ScanConcurrency: getIntEnv("DISK_SCAN_CONCURRENCY", 4),
		},
		Instance: InstanceConfig{
			PortBase:     getIntEnv("INSTANCE_PORT_BASE", 3000),
			PodmanBinary: getEnv("PODMAN_BINARY", "podman"),
		},
		Peer: PeerConfig{
			FailureThreshold: getIntEnv("PEER_FAILURE_THRESHOLD", 3),
			RetryBackoff:     getDurationEnv("PEER_RETRY_BACKOFF", time.Second),
			MaxBackoff:       getDurationEnv("PEER_MAX_BACKOFF", 30*time.Second),
		},
		Discovery: DiscoveryConfig{
			Enabled:  getBoolEnv("DISCOVERY_ENABLED", true),
			Interval: getDurationEnv("DISCOVERY_INTERVAL", 15*time.Second),
		},
		Command: CommandConfig{
			Retention: getIntEnv("COMMAND_RETENTION", 200),
		},
	}
}

// parsePeers parses "network=address,network=address". Entries without a
// network name are assigned to "appnet".
func parsePeers(value string) map[string][]string {
	peers := make(map[string][]string)
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		network, address, ok := strings.Cut(entry, "=")
		if !ok {
			network, address = "appnet", entry
		}
		network = strings.TrimSpace(network)
		address = strings.TrimSpace(address)
		if network == "" || address == "" {
			continue
		}
		peers[network] = append(peers[network], address)
	}
	return peers
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
