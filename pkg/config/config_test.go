package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()

	if cfg.Instance.PortBase != 3000 {
		t.Errorf("PortBase = %d, want 3000", cfg.Instance.PortBase)
	}
	if cfg.Peer.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d, want 3", cfg.Peer.FailureThreshold)
	}
	if len(cfg.Networks) != 1 || cfg.Networks[0] != "appnet" {
		t.Errorf("Networks = %v, want [appnet]", cfg.Networks)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENGINE_NETWORKS", "appnet, lab ,")
	t.Setenv("ENGINE_PEERS", "appnet=10.0.0.2:8085,lab=10.0.0.3:8085,10.0.0.4:8085")
	t.Setenv("PEER_RETRY_BACKOFF", "250ms")
	t.Setenv("DISCOVERY_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Networks) != 2 || cfg.Networks[1] != "lab" {
		t.Errorf("Networks = %v, want [appnet lab]", cfg.Networks)
	}
	if got := cfg.StaticPeers["appnet"]; len(got) != 2 {
		t.Errorf("appnet peers = %v, want two entries", got)
	}
	if got := cfg.StaticPeers["lab"]; len(got) != 1 || got[0] != "10.0.0.3:8085" {
		t.Errorf("lab peers = %v", got)
	}
	if cfg.Peer.RetryBackoff != 250*time.Millisecond {
		t.Errorf("RetryBackoff = %v, want 250ms", cfg.Peer.RetryBackoff)
	}
	if cfg.Discovery.Enabled {
		t.Error("discovery should be disabled")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no networks", func(c *Config) { c.Networks = nil }},
		{"bad pattern", func(c *Config) { c.Disk.DevicePattern = "([" }},
		{"port base", func(c *Config) { c.Instance.PortBase = 70000 }},
		{"threshold", func(c *Config) { c.Peer.FailureThreshold = 0 }},
		{"scan workers", func(c *Config) { c.Disk.ScanConcurrency = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadWithDefaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
