package mcpbridge

import (
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
)

func TestRouterResolvesNamespacedID(t *testing.T) {
	r := NewRouter()
	bridge := config.DefaultBridge()
	sessions := []*Session{connectedSession("github", 0, []mcpgo.Tool{tool("search")})}

	sess, local, err := r.Resolve("github__search", KindTool, sessions, bridge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Name != "github" || local != "search" {
		t.Fatalf("got (%q, %q)", sess.Name, local)
	}
}

func TestRouterResolvesBareIDWhenNoDelimiter(t *testing.T) {
	r := NewRouter()
	bridge := config.DefaultBridge()
	bridge.DefaultNamespace = false
	sessions := []*Session{connectedSession("github", 0, []mcpgo.Tool{tool("search")})}

	sess, local, err := r.Resolve("search", KindTool, sessions, bridge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Name != "github" || local != "search" {
		t.Fatalf("got (%q, %q)", sess.Name, local)
	}
}

func TestRouterNotFound(t *testing.T) {
	r := NewRouter()
	bridge := config.DefaultBridge()
	sessions := []*Session{connectedSession("github", 0, []mcpgo.Tool{tool("search")})}

	_, _, err := r.Resolve("nope", KindTool, sessions, bridge)
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestRouterSkipsDisconnectedUpstreams(t *testing.T) {
	r := NewRouter()
	bridge := config.DefaultBridge()
	sess := connectedSession("github", 0, []mcpgo.Tool{tool("search")})
	sess.status = StatusFailed

	_, _, err := r.Resolve("github__search", KindTool, []*Session{sess}, bridge)
	if !IsNotFound(err) {
		t.Fatalf("expected not-found for a failed upstream, got %v", err)
	}
}

func TestRouterIsIdempotentAcrossRepeatedCalls(t *testing.T) {
	r := NewRouter()
	bridge := config.DefaultBridge()
	sessions := []*Session{connectedSession("github", 0, []mcpgo.Tool{tool("search")})}

	sess1, local1, err1 := r.Resolve("github__search", KindTool, sessions, bridge)
	sess2, local2, err2 := r.Resolve("github__search", KindTool, sessions, bridge)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v, %v", err1, err2)
	}
	if sess1.Name != sess2.Name || local1 != local2 {
		t.Fatalf("routing was not idempotent: (%q,%q) vs (%q,%q)", sess1.Name, local1, sess2.Name, local2)
	}
}
