package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Load reads the bridge config from a JSON5 file.
// Missing bridge{} means defaults (spec §6); servers{} is required but may
// be empty.
func Load(path string) (*BridgeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &BridgeFile{Servers: map[string]*UpstreamConfig{}}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Servers == nil {
		cfg.Servers = map[string]*UpstreamConfig{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath returns the config path from an explicit flag, falling back
// to GOCLAW_BRIDGE_CONFIG, then "bridge.json5".
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv("GOCLAW_BRIDGE_CONFIG"); v != "" {
		return v
	}
	return "bridge.json5"
}
