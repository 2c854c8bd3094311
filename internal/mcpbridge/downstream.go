package mcpbridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// DownstreamServer exposes a Facade's aggregated tool view over mcp-go's
// server framework (C5's downstream-facing half). It keeps the underlying
// *mcpserver.MCPServer's tool set in sync with the Facade by diffing and
// re-registering on a fixed cadence, following the teacher pack's
// AddTools/DeleteTools dynamic-registration idiom rather than a one-shot
// static registration at startup. Only tools are registered: the Facade's
// resource, prompt, log-level and completion handlers are not bound to the
// mcp-go server here.
type DownstreamServer struct {
	facade *Facade
	mcp    *mcpserver.MCPServer

	mu         sync.Mutex
	knownTools map[string]bool
}

// NewDownstreamServer constructs the downstream-facing MCP server. name and
// version populate the server's own Implementation info.
func NewDownstreamServer(facade *Facade, name, version string) *DownstreamServer {
	hooks := &mcpserver.Hooks{}
	hooks.AddOnError(func(_ context.Context, _ any, method mcpgo.MCPMethod, _ any, err error) {
		slog.Warn("bridge.downstream.request_error", "method", method, "error", err)
	})

	d := &DownstreamServer{
		facade:     facade,
		knownTools: map[string]bool{},
	}
	d.mcp = mcpserver.NewMCPServer(
		name, version,
		mcpserver.WithHooks(hooks),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithLogging(),
	)
	return d
}

// MCPServer returns the underlying mcp-go server for transport binding
// (ServeStdio, NewStreamableHTTPServer, etc. — transport choice is left to
// the caller).
func (d *DownstreamServer) MCPServer() *mcpserver.MCPServer { return d.mcp }

// SyncTools reconciles the server's advertised tool set against the
// Facade's current aggregated view: newly visible tools are added,
// no-longer-visible ones removed. Safe to call repeatedly; a no-op diff
// touches nothing.
func (d *DownstreamServer) SyncTools(ctx context.Context) {
	current := d.facade.ListTools(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[string]bool, len(current))
	var added []mcpserver.ServerTool
	for _, t := range current {
		seen[t.Name] = true
		if !d.knownTools[t.Name] {
			added = append(added, d.toServerTool(t))
		}
	}
	var removed []string
	for name := range d.knownTools {
		if !seen[name] {
			removed = append(removed, name)
		}
	}

	if len(added) > 0 {
		d.mcp.AddTools(added...)
	}
	if len(removed) > 0 {
		d.mcp.DeleteTools(removed...)
	}
	d.knownTools = seen
}

func (d *DownstreamServer) toServerTool(t mcpgo.Tool) mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: t,
		Handler: func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			args, _ := req.Params.Arguments.(map[string]any)
			return d.facade.CallTool(ctx, req.Params.Name, args)
		},
	}
}

// RunSyncLoop periodically reconciles the tool set until ctx is canceled,
// picking up upstream restarts/reconfigure without requiring a downstream
// reconnect.
func (d *DownstreamServer) RunSyncLoop(ctx context.Context, interval time.Duration) {
	d.SyncTools(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SyncTools(ctx)
		}
	}
}
