package mcpbridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Kind classifies a bridge-level failure per the error handling design.
type Kind int

const (
	// KindConfigInvalid is a bad config or missing file. Fatal at startup.
	KindConfigInvalid Kind = iota
	// KindUpstreamStartFailed is a spawn/initialize failure within timeout.
	KindUpstreamStartFailed
	// KindUpstreamProbeFailed is a probe that exceeded its timeout or errored.
	KindUpstreamProbeFailed
	// KindMCPErrorFromUpstream is a structured MCP error returned by an
	// upstream; propagated verbatim to the downstream caller.
	KindMCPErrorFromUpstream
	// KindUpstreamUnexpected is a transport/library failure during an
	// operation.
	KindUpstreamUnexpected
	// KindNotFound means the router could not resolve an identifier.
	KindNotFound
	// KindConflict is a duplicate aggregated identifier under
	// conflict_resolution=error.
	KindConflict
	// KindShutdownSwallowable covers cancellation / already-gone / already-
	// closed races absorbed during stop().
	KindShutdownSwallowable
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "config_invalid"
	case KindUpstreamStartFailed:
		return "upstream_start_failed"
	case KindUpstreamProbeFailed:
		return "upstream_probe_failed"
	case KindMCPErrorFromUpstream:
		return "mcp_error_from_upstream"
	case KindUpstreamUnexpected:
		return "upstream_unexpected"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindShutdownSwallowable:
		return "shutdown_swallowable"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with its bridge error kind and the
// upstream it relates to, if any.
type Error struct {
	Kind     Kind
	Upstream string
	Err      error
}

func (e *Error) Error() string {
	if e.Upstream != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Upstream, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, upstream string, err error) *Error {
	return &Error{Kind: kind, Upstream: upstream, Err: err}
}

// ErrNotFound is returned by the router when no active upstream exposes the
// requested identifier (spec §4.4 step 3).
var ErrNotFound = errors.New("mcpbridge: identifier not found")

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Result is the explicit sum type design note in spec §9: Ok(T) |
// McpError(code,msg,data) | Transport(error). Only the McpError branch is
// surfaced to the downstream unchanged; Transport is collapsed per kind.
type Result[T any] struct {
	Value     T
	MCPErr    *mcp.CallToolResult // present only when the upstream returned a protocol-level error payload
	Transport error
}

// Ok constructs a successful Result.
func Ok[T any](v T) Result[T] { return Result[T]{Value: v} }

// IsShutdownSwallowable reports whether err is one of the narrow set of
// races absorbed during stop() (spec §9): cancellation, process already
// gone, resource already closed. Scoped narrowly by design — this must not
// become a catch-all.
func IsShutdownSwallowable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, substr := range []string{
		"context canceled",
		"context deadline exceeded",
		"already closed",
		"file already closed",
		"process already finished",
		"no such process",
	} {
		if containsFold(msg, substr) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	// small local helper to avoid pulling in strings.ToLower allocations in
	// a hot error path while still doing case-insensitive containment.
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if equalFold(s[i:i+m], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
