package mcpbridge

import (
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
)

func connectedSession(name string, priority int, tools []mcpgo.Tool) *Session {
	return &Session{
		Name:   name,
		cfg:    &config.UpstreamConfig{Command: "true", Priority: priority},
		status: StatusConnected,
		tools:  tools,
	}
}

func tool(name string) mcpgo.Tool { return mcpgo.Tool{Name: name} }

func TestAggregatedToolsNamespacesByDefault(t *testing.T) {
	reg := NewCapabilityRegistry()
	sessions := []*Session{
		connectedSession("github", 0, []mcpgo.Tool{tool("search")}),
	}
	bridge := config.DefaultBridge()

	got, err := reg.AggregatedTools(sessions, bridge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Tool.Name != "github__search" {
		t.Fatalf("got %+v", got)
	}
}

func TestAggregatedToolsPriorityResolvesConflict(t *testing.T) {
	reg := NewCapabilityRegistry()
	bridge := config.DefaultBridge()
	bridge.DefaultNamespace = false // force a real collision between upstreams
	sessions := []*Session{
		connectedSession("b", 5, []mcpgo.Tool{tool("search")}),
		connectedSession("a", 1, []mcpgo.Tool{tool("search")}),
	}

	got, err := reg.AggregatedTools(sessions, bridge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one survivor, got %+v", got)
	}
	if got[0].Upstream != "a" {
		t.Fatalf("expected upstream 'a' (priority 1, lower value wins) to win, got %q", got[0].Upstream)
	}
}

func TestAggregatedToolsConflictResolutionError(t *testing.T) {
	reg := NewCapabilityRegistry()
	bridge := config.DefaultBridge()
	bridge.DefaultNamespace = false
	bridge.ConflictResolution = "error"
	sessions := []*Session{
		connectedSession("b", 1, []mcpgo.Tool{tool("search")}),
		connectedSession("a", 1, []mcpgo.Tool{tool("search")}),
	}

	_, err := reg.AggregatedTools(sessions, bridge)
	if err == nil {
		t.Fatalf("expected conflict error")
	}
	var bridgeErr *Error
	if !errorsAs(err, &bridgeErr) || bridgeErr.Kind != KindConflict {
		t.Fatalf("expected KindConflict, got %v", err)
	}
}

func TestAggregatedToolsSkipsDisconnectedSessions(t *testing.T) {
	reg := NewCapabilityRegistry()
	bridge := config.DefaultBridge()
	sess := connectedSession("github", 0, []mcpgo.Tool{tool("search")})
	sess.status = StatusFailed

	got, err := reg.AggregatedTools([]*Session{sess}, bridge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no tools from a failed session, got %+v", got)
	}
}

func TestAggregatedToolsDisabledByConfig(t *testing.T) {
	reg := NewCapabilityRegistry()
	bridge := config.DefaultBridge()
	off := false
	bridge.Aggregation.Tools = &off
	sessions := []*Session{connectedSession("github", 0, []mcpgo.Tool{tool("search")})}

	got, err := reg.AggregatedTools(sessions, bridge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil when tool aggregation disabled, got %+v", got)
	}
}

func TestAggregatedResourcesDropsInvalidURI(t *testing.T) {
	reg := NewCapabilityRegistry()
	bridge := config.DefaultBridge()
	bridge.DefaultNamespace = false
	sess := &Session{
		Name:      "files",
		cfg:       &config.UpstreamConfig{Command: "true"},
		status:    StatusConnected,
		resources: []mcpgo.Resource{{URI: "://::not-a-valid-uri"}},
	}

	got, err := reg.AggregatedResources([]*Session{sess}, bridge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected invalid URI to be dropped, got %+v", got)
	}
}

// errorsAs is a tiny local shim so this file doesn't need to import errors
// for a single As call.
func errorsAs(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
