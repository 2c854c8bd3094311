package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUpstreamConfigDefaults(t *testing.T) {
	c := &UpstreamConfig{Command: "npx"}
	if !c.IsEnabled() {
		t.Error("expected enabled by default")
	}
	if c.Timeout() != 10000 {
		t.Errorf("expected default timeout 10000, got %d", c.Timeout())
	}
}

func TestUpstreamConfigExplicitDisabled(t *testing.T) {
	off := false
	c := &UpstreamConfig{Command: "npx", Enabled: &off}
	if c.IsEnabled() {
		t.Error("expected disabled")
	}
}

func TestDefaultBridge(t *testing.T) {
	b := DefaultBridge()
	if !b.DefaultNamespace {
		t.Error("expected default_namespace=true")
	}
	if b.ConflictResolution != "priority" {
		t.Errorf("expected priority, got %q", b.ConflictResolution)
	}
	if !b.Failover.Enabled || b.Failover.MaxFailures != 3 {
		t.Errorf("unexpected failover defaults: %+v", b.Failover)
	}
}

func TestAggregationConfigDefaultsAllEnabled(t *testing.T) {
	var a AggregationConfig
	if !a.ToolsEnabled() || !a.ResourcesEnabled() || !a.PromptsEnabled() {
		t.Error("expected all aggregation kinds enabled by default")
	}
	off := false
	a.Tools = &off
	if a.ToolsEnabled() {
		t.Error("expected tools disabled when explicitly set false")
	}
}

func TestChangedDetectsCommandDiff(t *testing.T) {
	old := &UpstreamConfig{Command: "npx", Args: []string{"a"}}
	next := &UpstreamConfig{Command: "npx", Args: []string{"b"}}
	if !Changed(old, next) {
		t.Error("expected Changed=true for differing args")
	}
	if !CommandChanged(old, next) {
		t.Error("expected CommandChanged=true for differing args")
	}
}

func TestChangedFalseForIdenticalConfig(t *testing.T) {
	a := &UpstreamConfig{Command: "npx", Args: []string{"x"}, Priority: 1}
	b := &UpstreamConfig{Command: "npx", Args: []string{"x"}, Priority: 1}
	if Changed(a, b) {
		t.Error("expected Changed=false for identical configs (reload idempotence)")
	}
	if CommandChanged(a, b) {
		t.Error("expected CommandChanged=false for identical configs")
	}
}

func TestChangedDetectsNamespaceOnlyDiffWithoutCommandChange(t *testing.T) {
	a := &UpstreamConfig{Command: "npx", ToolNamespace: "gh"}
	b := &UpstreamConfig{Command: "npx", ToolNamespace: "github"}
	if !Changed(a, b) {
		t.Error("expected Changed=true for namespace diff")
	}
	if CommandChanged(a, b) {
		t.Error("namespace-only diff should not be reported as a command change")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := &UpstreamConfig{
		Command: "npx",
		Args:    []string{"a", "b"},
		Env:     map[string]string{"K": "V"},
		Tags:    []string{"t1"},
	}
	clone := orig.Clone()
	clone.Args[0] = "mutated"
	clone.Env["K"] = "mutated"
	clone.Tags[0] = "mutated"

	if orig.Args[0] == "mutated" || orig.Env["K"] == "mutated" || orig.Tags[0] == "mutated" {
		t.Error("Clone did not produce an independent copy")
	}
}

func TestValidateRejectsEnabledWithoutCommand(t *testing.T) {
	f := &BridgeFile{Servers: map[string]*UpstreamConfig{
		"broken": {},
	}}
	if err := f.Validate(); err == nil {
		t.Error("expected validation error for enabled server with no command")
	}
}

func TestValidateAllowsDisabledWithoutCommand(t *testing.T) {
	off := false
	f := &BridgeFile{Servers: map[string]*UpstreamConfig{
		"disabled": {Enabled: &off},
	}}
	if err := f.Validate(); err != nil {
		t.Errorf("disabled server without command should validate, got %v", err)
	}
}

func TestLoadParsesJSON5AndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.json5")
	contents := `{
		// a trailing comment, and a trailing comma below
		servers: {
			github: { command: "npx", args: ["-y", "@modelcontextprotocol/server-github"] },
		},
	}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Servers) != 1 || cfg.Servers["github"].Command != "npx" {
		t.Fatalf("unexpected servers: %+v", cfg.Servers)
	}
	if _, bridge := cfg.Snapshot(); !bridge.DefaultNamespace || bridge.ConflictResolution != "priority" {
		t.Fatalf("expected default bridge config for a file without bridge{}, got %+v", bridge)
	}
}

func TestResolvePathPrecedence(t *testing.T) {
	if got := ResolvePath("/explicit.json5"); got != "/explicit.json5" {
		t.Errorf("flag should win, got %q", got)
	}

	t.Setenv("GOCLAW_BRIDGE_CONFIG", "/from-env.json5")
	if got := ResolvePath(""); got != "/from-env.json5" {
		t.Errorf("env should win over default, got %q", got)
	}

	t.Setenv("GOCLAW_BRIDGE_CONFIG", "")
	if got := ResolvePath(""); got != "bridge.json5" {
		t.Errorf("expected default bridge.json5, got %q", got)
	}
}
