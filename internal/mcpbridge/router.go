package mcpbridge

import (
	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
)

// CapabilityKind distinguishes the three aggregated capability kinds a
// routed identifier may belong to.
type CapabilityKind int

const (
	KindTool CapabilityKind = iota
	KindResource
	KindPrompt
)

// Router resolves an externally visible identifier to (upstream,
// original-name) and never retries a different upstream on failure: routing
// is deterministic and idempotent (spec §4.4).
type Router struct{}

// NewRouter constructs a Router.
func NewRouter() *Router { return &Router{} }

func explicitNamespace(cfg *config.UpstreamConfig, kind CapabilityKind) string {
	switch kind {
	case KindTool:
		return cfg.ToolNamespace
	case KindResource:
		return cfg.ResourceNamespace
	default:
		return cfg.PromptNamespace
	}
}

func contains(sess *Session, kind CapabilityKind, local string) bool {
	switch kind {
	case KindTool:
		for _, t := range sess.Tools() {
			if t.Name == local {
				return true
			}
		}
	case KindResource:
		for _, r := range sess.Resources() {
			if r.URI == local {
				return true
			}
		}
	case KindPrompt:
		for _, p := range sess.Prompts() {
			if p.Name == local {
				return true
			}
		}
	}
	return false
}

// Resolve finds the active upstream and original local identifier for an
// externally visible id (spec §4.4).
func (r *Router) Resolve(id string, kind CapabilityKind, sessions []*Session, bridge *config.BridgeConfig) (*Session, string, error) {
	active := byPriority(sessions)

	if ns, local, ok := split(id); ok {
		for _, sess := range active {
			if sess.Status() != StatusConnected {
				continue
			}
			effectiveNS := namespaceFor(sess, explicitNamespace(sess.Config(), kind), bridge)
			if effectiveNS == ns && contains(sess, kind, local) {
				return sess, local, nil
			}
		}
		// fall through: "__"/"://" may legitimately appear inside an
		// unnamespaced local identifier, so also try treating id whole.
	}

	for _, sess := range active {
		if sess.Status() != StatusConnected {
			continue
		}
		if contains(sess, kind, id) {
			return sess, id, nil
		}
	}

	return nil, "", newErr(KindNotFound, "", ErrNotFound)
}
