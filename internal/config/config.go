package config

import (
	"fmt"
	"reflect"
	"sync"
)

// BridgeFile is the root JSON5 configuration document for the bridge.
//
// { "servers": { "<name>": UpstreamConfig, ... }, "bridge": BridgeConfig? }
type BridgeFile struct {
	Servers map[string]*UpstreamConfig `json:"servers"`
	Bridge  *BridgeConfig              `json:"bridge,omitempty"`

	mu sync.RWMutex
}

// UpstreamConfig declares one upstream MCP server launched as a child process.
type UpstreamConfig struct {
	Enabled *bool             `json:"enabled,omitempty"` // default true
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	TimeoutMS int `json:"timeout_ms,omitempty"` // initial connect deadline; default 10000
	Priority  int `json:"priority,omitempty"`   // lower = higher priority

	Tags []string `json:"tags,omitempty"`

	ToolNamespace     string `json:"tool_namespace,omitempty"`
	ResourceNamespace string `json:"resource_namespace,omitempty"`
	PromptNamespace   string `json:"prompt_namespace,omitempty"`

	LogLevel string `json:"log_level,omitempty"`

	HealthCheck HealthCheckConfig `json:"health_check,omitempty"`
}

// IsEnabled returns whether this upstream is enabled (default true).
func (c *UpstreamConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Timeout returns the configured connect timeout in milliseconds, defaulted.
func (c *UpstreamConfig) Timeout() int {
	if c.TimeoutMS <= 0 {
		return 10000
	}
	return c.TimeoutMS
}

// HealthCheckConfig configures per-upstream liveness probing and restart policy.
type HealthCheckConfig struct {
	Enabled bool `json:"enabled"`

	Operation string `json:"operation,omitempty"` // list_tools|list_resources|list_prompts|call_tool|read_resource|get_prompt|ping|health|status

	TimeoutMS           int `json:"timeout_ms,omitempty"`
	KeepAliveIntervalMS int `json:"keep_alive_interval_ms,omitempty"`
	KeepAliveTimeoutMS  int `json:"keep_alive_timeout_ms,omitempty"`

	MaxConsecutiveFailures int `json:"max_consecutive_failures,omitempty"`

	AutoRestart        bool `json:"auto_restart,omitempty"`
	MaxRestartAttempts int  `json:"max_restart_attempts,omitempty"`
	RestartDelayMS     int  `json:"restart_delay_ms,omitempty"`

	ToolName      string         `json:"tool_name,omitempty"`
	ToolArguments map[string]any `json:"tool_arguments,omitempty"`

	ResourceURI string `json:"resource_uri,omitempty"`

	PromptName      string         `json:"prompt_name,omitempty"`
	PromptArguments map[string]any `json:"prompt_arguments,omitempty"`
}

// BridgeConfig is global policy shared across all upstreams.
type BridgeConfig struct {
	DefaultNamespace   bool              `json:"default_namespace"`
	ConflictResolution string            `json:"conflict_resolution,omitempty"` // priority|first|namespace|error
	Aggregation        AggregationConfig `json:"aggregation,omitempty"`
	Failover           FailoverConfig    `json:"failover,omitempty"`
	MCPLogLevel        string            `json:"mcp_log_level,omitempty"`
}

// AggregationConfig toggles which capability kinds are exposed to downstream.
type AggregationConfig struct {
	Tools     *bool `json:"tools,omitempty"`
	Resources *bool `json:"resources,omitempty"`
	Prompts   *bool `json:"prompts,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// ToolsEnabled reports whether tool aggregation is enabled (default true).
func (a AggregationConfig) ToolsEnabled() bool { return boolOr(a.Tools, true) }

// ResourcesEnabled reports whether resource aggregation is enabled (default true).
func (a AggregationConfig) ResourcesEnabled() bool { return boolOr(a.Resources, true) }

// PromptsEnabled reports whether prompt aggregation is enabled (default true).
func (a AggregationConfig) PromptsEnabled() bool { return boolOr(a.Prompts, true) }

// FailoverConfig controls the periodic failover probe loop (spec §4.2).
type FailoverConfig struct {
	Enabled     bool `json:"enabled"`
	MaxFailures int  `json:"max_failures,omitempty"`

	// Schedule overrides the default fixed 30s cadence with a cron
	// expression (e.g. "*/30 * * * * *" for seconds-precision gronx
	// syntax), for deployments that want failover probes aligned to a
	// quieter window rather than a flat interval. Empty means the default.
	Schedule string `json:"schedule,omitempty"`
}

// DefaultBridge returns a BridgeConfig with the spec's documented defaults.
func DefaultBridge() *BridgeConfig {
	return &BridgeConfig{
		DefaultNamespace:   true,
		ConflictResolution: "priority",
		Failover:           FailoverConfig{Enabled: true, MaxFailures: 3},
	}
}

// NormalizeName lowercases name and replaces every character outside
// [A-Za-z0-9_-] with "_" — the canonicalization spec §6 requires of
// UpstreamConfig's unique key before it is used as an identity anywhere
// else in the bridge (sessions, the Reconfigurator's diff, default
// namespaces). Idempotent: NormalizeName(NormalizeName(n)) == NormalizeName(n).
func NormalizeName(name string) string {
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A')
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
			b[i] = c
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

// Clone returns a deep-enough copy for safe concurrent reads during reload diffing.
func (c *UpstreamConfig) Clone() *UpstreamConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Args = append([]string(nil), c.Args...)
	clone.Tags = append([]string(nil), c.Tags...)
	if c.Env != nil {
		clone.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			clone.Env[k] = v
		}
	}
	return &clone
}

// Snapshot returns a defensive copy of the current server map, keyed by
// normalized name, safe to hand to the Reconfigurator.
func (f *BridgeFile) Snapshot() (map[string]*UpstreamConfig, *BridgeConfig) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]*UpstreamConfig, len(f.Servers))
	for name, cfg := range f.Servers {
		out[NormalizeName(name)] = cfg.Clone()
	}
	bridge := f.Bridge
	if bridge == nil {
		bridge = DefaultBridge()
	}
	return out, bridge
}

// Changed reports whether any field the Reconfigurator cares about differs
// between old and new (spec §4.6): enabled, command, args, env, priority,
// timeout, health_check, the three namespaces, and tags.
func Changed(old, next *UpstreamConfig) bool {
	if old.IsEnabled() != next.IsEnabled() {
		return true
	}
	if old.Command != next.Command {
		return true
	}
	if !reflect.DeepEqual(old.Args, next.Args) {
		return true
	}
	if !reflect.DeepEqual(old.Env, next.Env) {
		return true
	}
	if old.Priority != next.Priority {
		return true
	}
	if old.Timeout() != next.Timeout() {
		return true
	}
	if !reflect.DeepEqual(old.HealthCheck, next.HealthCheck) {
		return true
	}
	if old.ToolNamespace != next.ToolNamespace {
		return true
	}
	if old.ResourceNamespace != next.ResourceNamespace {
		return true
	}
	if old.PromptNamespace != next.PromptNamespace {
		return true
	}
	if !reflect.DeepEqual(old.Tags, next.Tags) {
		return true
	}
	return false
}

// CommandChanged reports whether command/args/env differ, which the
// Reconfigurator treats as requiring a reconnect rather than an in-place
// field mutation (spec §4.6).
func CommandChanged(old, next *UpstreamConfig) bool {
	return old.Command != next.Command ||
		!reflect.DeepEqual(old.Args, next.Args) ||
		!reflect.DeepEqual(old.Env, next.Env)
}

// Validate rejects configs that cannot possibly start.
func (f *BridgeFile) Validate() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	seen := make(map[string]string, len(f.Servers))
	for name, cfg := range f.Servers {
		if cfg == nil {
			return fmt.Errorf("config: server %q has no body", name)
		}
		if cfg.IsEnabled() && cfg.Command == "" {
			return fmt.Errorf("config: server %q is enabled but has no command", name)
		}
		normalized := NormalizeName(name)
		if other, collides := seen[normalized]; collides {
			return fmt.Errorf("config: server %q collides with %q after name normalization (both become %q)", name, other, normalized)
		}
		seen[normalized] = name
	}
	return nil
}
