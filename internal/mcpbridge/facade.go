package mcpbridge

import (
	"context"
	"fmt"
	"log/slog"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// TagMode selects how a Facade's tag filter matches an upstream's tags.
type TagMode int

const (
	TagModeIntersection TagMode = iota // every filter tag must be present
	TagModeUnion                       // any overlap qualifies
)

// Facade implements the MCP server-side request handlers downstream clients
// invoke, delegating to the Router and CapabilityRegistry (C5). It never
// owns upstream state directly — it holds a reference to its Supervisor,
// replacing the global-registry-keyed-by-identity pattern with explicit
// composition (spec §9).
type Facade struct {
	sup *Supervisor

	filterTags []string
	tagMode    TagMode
}

// FacadeOption customizes a Facade at construction time.
type FacadeOption func(*Facade)

// WithTagFilter restricts this facade's view to enabled, tag-matching
// upstreams (spec §4.5's "variant constructor").
func WithTagFilter(tags []string, mode TagMode) FacadeOption {
	return func(f *Facade) {
		f.filterTags = tags
		f.tagMode = mode
	}
}

// NewFacade constructs a Facade bound to sup.
func NewFacade(sup *Supervisor, opts ...FacadeOption) *Facade {
	f := &Facade{sup: sup}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Facade) sessions() []*Session {
	all := f.sup.ActiveSessions()
	if len(f.filterTags) == 0 {
		return all
	}
	out := make([]*Session, 0, len(all))
	for _, sess := range all {
		if !sess.Config().IsEnabled() {
			continue
		}
		if tagsMatch(sess.Config().Tags, f.filterTags, f.tagMode) {
			out = append(out, sess)
		}
	}
	return out
}

func tagsMatch(have, want []string, mode TagMode) bool {
	haveSet := make(map[string]bool, len(have))
	for _, t := range have {
		haveSet[t] = true
	}
	switch mode {
	case TagModeIntersection:
		for _, t := range want {
			if !haveSet[t] {
				return false
			}
		}
		return true
	default: // union
		for _, t := range want {
			if haveSet[t] {
				return true
			}
		}
		return len(want) == 0
	}
}

// ListTools returns the current aggregated tool list. On any internal error
// it returns an empty list — availability over strictness (spec §4.5).
func (f *Facade) ListTools(ctx context.Context) []mcpgo.Tool {
	agg, err := f.sup.Registry().AggregatedTools(f.sessions(), f.sup.BridgeConfig())
	if err != nil {
		slog.Warn("bridge.facade.list_tools_failed", "error", err)
		return nil
	}
	out := make([]mcpgo.Tool, 0, len(agg))
	for _, a := range agg {
		out = append(out, a.Tool)
	}
	return out
}

// ListResources returns the current aggregated resource list.
func (f *Facade) ListResources(ctx context.Context) []mcpgo.Resource {
	agg, err := f.sup.Registry().AggregatedResources(f.sessions(), f.sup.BridgeConfig())
	if err != nil {
		slog.Warn("bridge.facade.list_resources_failed", "error", err)
		return nil
	}
	out := make([]mcpgo.Resource, 0, len(agg))
	for _, a := range agg {
		out = append(out, a.Resource)
	}
	return out
}

// ListResourceTemplates always returns empty: templates are not aggregated
// in this revision (spec §4.5).
func (f *Facade) ListResourceTemplates(ctx context.Context) []mcpgo.ResourceTemplate {
	return nil
}

// ListPrompts returns the current aggregated prompt list.
func (f *Facade) ListPrompts(ctx context.Context) []mcpgo.Prompt {
	agg, err := f.sup.Registry().AggregatedPrompts(f.sessions(), f.sup.BridgeConfig())
	if err != nil {
		slog.Warn("bridge.facade.list_prompts_failed", "error", err)
		return nil
	}
	out := make([]mcpgo.Prompt, 0, len(agg))
	for _, a := range agg {
		out = append(out, a.Prompt)
	}
	return out
}

// CallTool routes id to its owning upstream and invokes it. MCP-typed
// errors (IsError results) are re-raised unchanged; unexpected failures are
// converted to a non-error result carrying a descriptive message, never a
// protocol error (spec §4.5, §7 kind 5).
func (f *Facade) CallTool(ctx context.Context, id string, args map[string]any) (*mcpgo.CallToolResult, error) {
	sess, local, err := f.sup.Router().Resolve(id, KindTool, f.sessions(), f.sup.BridgeConfig())
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("tool %q not found", id)), nil
	}

	result, err := sess.CallTool(ctx, local, args)
	if err != nil {
		slog.Warn("bridge.facade.call_tool_unexpected", "tool", id, "upstream", sess.Name, "error", err)
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return result, nil
}

// ReadResource routes uri and reads it. Accepts the legacy "://" delimiter
// on input (spec §4.4, §9).
func (f *Facade) ReadResource(ctx context.Context, uri string) (*mcpgo.ReadResourceResult, error) {
	sess, local, err := f.sup.Router().Resolve(uri, KindResource, f.sessions(), f.sup.BridgeConfig())
	if err != nil {
		return nil, newErr(KindNotFound, "", fmt.Errorf("resource %q not found", uri))
	}

	result, err := sess.ReadResource(ctx, local)
	if err != nil {
		slog.Warn("bridge.facade.read_resource_unexpected", "uri", uri, "upstream", sess.Name, "error", err)
		return nil, fmt.Errorf("read resource %q: %w", uri, err)
	}
	return result, nil
}

// GetPrompt routes name and fetches it.
func (f *Facade) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcpgo.GetPromptResult, error) {
	sess, local, err := f.sup.Router().Resolve(name, KindPrompt, f.sessions(), f.sup.BridgeConfig())
	if err != nil {
		return nil, newErr(KindNotFound, "", fmt.Errorf("prompt %q not found", name))
	}

	result, err := sess.GetPrompt(ctx, local, args)
	if err != nil {
		slog.Warn("bridge.facade.get_prompt_unexpected", "name", name, "upstream", sess.Name, "error", err)
		return nil, fmt.Errorf("get prompt %q: %w", name, err)
	}
	return result, nil
}

// Subscribe fans out to the matching upstream(s); always replies success
// (spec §4.5). Unlike CallTool/ReadResource/GetPrompt, a namespaced id still
// resolves to a single owner, but an unnamespaced id reaches every connected
// upstream exposing that resource, not just the first.
func (f *Facade) Subscribe(ctx context.Context, uri string) error {
	f.fanOutResource(uri, func(sess *Session, local string) {
		sess.SubscribeResource(ctx, local)
	})
	return nil
}

// Unsubscribe fans out the same way as Subscribe.
func (f *Facade) Unsubscribe(ctx context.Context, uri string) error {
	f.fanOutResource(uri, func(sess *Session, local string) {
		sess.UnsubscribeResource(ctx, local)
	})
	return nil
}

// fanOutResource applies apply to every connected session that owns uri: a
// namespaced id stops at its one owning upstream, an unnamespaced id reaches
// every session exposing a resource by that URI (spec §4.5).
func (f *Facade) fanOutResource(uri string, apply func(sess *Session, local string)) {
	sessions := byPriority(f.sessions())
	bridge := f.sup.BridgeConfig()
	matched := 0

	if ns, local, ok := split(uri); ok {
		for _, sess := range sessions {
			if sess.Status() != StatusConnected {
				continue
			}
			effectiveNS := namespaceFor(sess, sess.Config().ResourceNamespace, bridge)
			if effectiveNS == ns && contains(sess, KindResource, local) {
				apply(sess, local)
				matched++
				break
			}
		}
		if matched > 0 {
			return
		}
		// fall through: "__"/"://" may legitimately appear inside an
		// unnamespaced local identifier, so also try treating uri whole.
	}

	for _, sess := range sessions {
		if sess.Status() != StatusConnected {
			continue
		}
		if contains(sess, KindResource, uri) {
			apply(sess, uri)
			matched++
		}
	}
	if matched == 0 {
		slog.Warn("bridge.facade.resource_fan_out_no_match", "uri", uri)
	}
}

// SetLogLevel updates the bridge's own logger and fans out to all connected
// upstreams (spec §4.5).
func (f *Facade) SetLogLevel(ctx context.Context, level mcpgo.LoggingLevel) error {
	setBridgeLogLevel(level)
	for _, sess := range f.sessions() {
		if sess.Status() != StatusConnected {
			continue
		}
		if err := sess.SetLogLevel(ctx, level); err != nil {
			slog.Debug("bridge.facade.set_log_level_failed", "upstream", sess.Name, "error", err)
		}
	}
	return nil
}

// Complete fans out to all connected upstreams, concatenating completion
// values preserving order, de-duplicating while preserving first
// occurrence (spec §4.5).
func (f *Facade) Complete(ctx context.Context, ref mcpgo.CompleteReference, argName, argValue string) []string {
	seen := map[string]bool{}
	var out []string
	for _, sess := range f.sessions() {
		if sess.Status() != StatusConnected {
			continue
		}
		for _, v := range sess.Complete(ctx, ref, argName, argValue) {
			if seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// HandleProgress logs an inbound progress notification from downstream; the
// underlying MCP framework routes it further. No response is emitted (spec
// §4.5).
func (f *Facade) HandleProgress(token any, progress, total float64) {
	slog.Debug("bridge.facade.progress", "token", token, "progress", progress, "total", total)
}
