package mcpbridge

import (
	"context"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

func TestDownstreamServerSyncToolsIsIdempotent(t *testing.T) {
	sup := NewSupervisor()
	sess := connectedSession("github", 0, []mcpgo.Tool{tool("search")})
	sup.addSession("github", sess)

	facade := NewFacade(sup)
	ds := NewDownstreamServer(facade, "test-bridge", "0.0.0")

	ctx := context.Background()
	ds.SyncTools(ctx)
	if len(ds.knownTools) != 1 || !ds.knownTools["github__search"] {
		t.Fatalf("expected one known tool after first sync, got %+v", ds.knownTools)
	}

	ds.SyncTools(ctx) // second call with no changes must not panic or duplicate
	if len(ds.knownTools) != 1 {
		t.Fatalf("expected sync to remain idempotent, got %+v", ds.knownTools)
	}
}

func TestDownstreamServerSyncToolsRemovesStale(t *testing.T) {
	sup := NewSupervisor()
	sess := connectedSession("github", 0, []mcpgo.Tool{tool("search")})
	sup.addSession("github", sess)

	facade := NewFacade(sup)
	ds := NewDownstreamServer(facade, "test-bridge", "0.0.0")
	ctx := context.Background()
	ds.SyncTools(ctx)

	sess.status = StatusFailed // upstream goes away
	ds.SyncTools(ctx)

	if len(ds.knownTools) != 0 {
		t.Fatalf("expected stale tool to be removed, got %+v", ds.knownTools)
	}
}
