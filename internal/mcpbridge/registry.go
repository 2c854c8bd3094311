package mcpbridge

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
)

// CapabilityRegistry holds no state of its own (invariant 4: the aggregated
// view is a pure function of the current session set and BridgeConfig, no
// hidden caches) — it is a set of pure functions over whatever sessions are
// handed to it.
type CapabilityRegistry struct{}

// NewCapabilityRegistry constructs a (stateless) registry.
func NewCapabilityRegistry() *CapabilityRegistry { return &CapabilityRegistry{} }

// byPriority sorts sessions ascending by configured priority (lower wins),
// breaking ties by name for determinism.
func byPriority(sessions []*Session) []*Session {
	out := append([]*Session(nil), sessions...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Config().Priority, out[j].Config().Priority
		if pi != pj {
			return pi < pj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// namespaceFor computes the effective namespace for one upstream and
// capability kind per spec §4.3.
func namespaceFor(sess *Session, explicit string, bridge *config.BridgeConfig) string {
	if explicit != "" {
		return explicit
	}
	if bridge.DefaultNamespace {
		return normalize(sess.Name)
	}
	return ""
}

// AggregatedTool pairs a rewritten tool with its routing origin.
type AggregatedTool struct {
	Tool     mcpgo.Tool
	Upstream string
	Original string
}

// AggregatedTools produces the deconflicted union of tool lists (spec §4.3).
func (r *CapabilityRegistry) AggregatedTools(sessions []*Session, bridge *config.BridgeConfig) ([]AggregatedTool, error) {
	if !bridge.Aggregation.ToolsEnabled() {
		return nil, nil
	}
	seen := map[string]bool{}
	var out []AggregatedTool
	for _, sess := range byPriority(sessions) {
		if sess.Status() != StatusConnected {
			continue
		}
		ns := namespaceFor(sess, sess.Config().ToolNamespace, bridge)
		for _, t := range sess.Tools() {
			id := compose(ns, t.Name)
			if seen[id] {
				switch resolvePolicy(bridge.ConflictResolution, ns) {
				case "error":
					return nil, newErr(KindConflict, sess.Name, fmt.Errorf("duplicate tool identifier %q", id))
				default:
					continue // priority/first/namespace: first encountered wins
				}
			}
			seen[id] = true
			rewritten := t
			rewritten.Name = id
			out = append(out, AggregatedTool{Tool: rewritten, Upstream: sess.Name, Original: t.Name})
		}
	}
	return out, nil
}

// AggregatedResource pairs a rewritten resource with its routing origin.
type AggregatedResource struct {
	Resource mcpgo.Resource
	Upstream string
	Original string
}

// AggregatedResources produces the deconflicted union of resource lists.
// Resources whose rewritten URI fails URL validation are dropped with a
// warning (spec §4.3 boundary behavior), never appearing in the aggregate.
func (r *CapabilityRegistry) AggregatedResources(sessions []*Session, bridge *config.BridgeConfig) ([]AggregatedResource, error) {
	if !bridge.Aggregation.ResourcesEnabled() {
		return nil, nil
	}
	seen := map[string]bool{}
	var out []AggregatedResource
	for _, sess := range byPriority(sessions) {
		if sess.Status() != StatusConnected {
			continue
		}
		ns := namespaceFor(sess, sess.Config().ResourceNamespace, bridge)
		for _, res := range sess.Resources() {
			id := compose(ns, res.URI)
			if _, err := url.Parse(id); err != nil {
				logInvalidResourceURI(sess.Name, res.URI, id)
				continue
			}
			if seen[id] {
				switch resolvePolicy(bridge.ConflictResolution, ns) {
				case "error":
					return nil, newErr(KindConflict, sess.Name, fmt.Errorf("duplicate resource identifier %q", id))
				default:
					continue
				}
			}
			seen[id] = true
			rewritten := res
			rewritten.URI = id
			out = append(out, AggregatedResource{Resource: rewritten, Upstream: sess.Name, Original: res.URI})
		}
	}
	return out, nil
}

// AggregatedPrompt pairs a rewritten prompt with its routing origin.
type AggregatedPrompt struct {
	Prompt   mcpgo.Prompt
	Upstream string
	Original string
}

// AggregatedPrompts produces the deconflicted union of prompt lists.
func (r *CapabilityRegistry) AggregatedPrompts(sessions []*Session, bridge *config.BridgeConfig) ([]AggregatedPrompt, error) {
	if !bridge.Aggregation.PromptsEnabled() {
		return nil, nil
	}
	seen := map[string]bool{}
	var out []AggregatedPrompt
	for _, sess := range byPriority(sessions) {
		if sess.Status() != StatusConnected {
			continue
		}
		ns := namespaceFor(sess, sess.Config().PromptNamespace, bridge)
		for _, p := range sess.Prompts() {
			id := compose(ns, p.Name)
			if seen[id] {
				switch resolvePolicy(bridge.ConflictResolution, ns) {
				case "error":
					return nil, newErr(KindConflict, sess.Name, fmt.Errorf("duplicate prompt identifier %q", id))
				default:
					continue
				}
			}
			seen[id] = true
			rewritten := p
			rewritten.Name = id
			out = append(out, AggregatedPrompt{Prompt: rewritten, Upstream: sess.Name, Original: p.Name})
		}
	}
	return out, nil
}

// resolvePolicy normalizes the configured conflict_resolution, treating
// "namespace" as priority once a collision slips through despite namespacing
// (spec §4.3: "if a collision still occurs, treat as priority").
func resolvePolicy(policy, ns string) string {
	switch policy {
	case "error":
		return "error"
	case "namespace":
		return "priority"
	case "first":
		return "priority"
	default:
		return "priority"
	}
}

func logInvalidResourceURI(upstream, original, rewritten string) {
	slog.Warn("bridge.registry.invalid_resource_uri",
		"upstream", upstream, "original_uri", original, "rewritten_uri", rewritten)
}
