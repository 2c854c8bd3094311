package mcpbridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
)

// Status is one of the UpstreamSession lifecycle states (spec §3).
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusFailed
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// stderrSource is satisfied by mcp-go's stdio client transport, which
// exposes the child's stderr stream for log relay.
type stderrSource interface {
	Stderr() io.Reader
}

// Session owns one child process and the MCP client session atop its
// stdin/stdout (C1).
type Session struct {
	Name string

	mu           sync.RWMutex
	cfg          *config.UpstreamConfig
	client       *mcpclient.Client
	status       Status
	capabilities mcpgo.ServerCapabilities
	tools        []mcpgo.Tool
	resources    []mcpgo.Resource
	prompts      []mcpgo.Prompt
	lastErr      string

	lastSeen      time.Time
	lastKeepAlive time.Time
	lastRestart   time.Time

	failureCount        int
	consecutiveFailures int
	keepAliveFailures   int
	restartCount        int

	restartMu sync.Mutex // invariant: exactly one concurrent restart per upstream

	stderrCancel context.CancelFunc

	// loadGroup collapses concurrent LoadCapabilities callers (e.g. a
	// restart's post-connect load racing an operator-triggered refresh)
	// into a single round-trip to the upstream.
	loadGroup singleflight.Group
}

// NewSession constructs a not-yet-started session for the given upstream.
func NewSession(name string, cfg *config.UpstreamConfig) *Session {
	return &Session{Name: name, cfg: cfg, status: StatusDisconnected}
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Config returns the upstream config this session was (re)started with.
func (s *Session) Config() *config.UpstreamConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Start spawns the child process, performs the MCP initialize handshake,
// and loads its capabilities. Bounded by cfg.Timeout(). Never transitions to
// connected until initialize has completed successfully (invariant 5).
func (s *Session) Start(ctx context.Context, cfg *config.UpstreamConfig) error {
	s.mu.Lock()
	s.cfg = cfg
	s.status = StatusConnecting
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Timeout())*time.Millisecond)
	defer cancel()

	env := mapToEnvSlice(cfg.Env)
	env = append(env, "MCP_BRIDGE_CHILD=1")
	client, err := mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		s.fail(newErr(KindUpstreamStartFailed, s.Name, fmt.Errorf("spawn: %w", err)))
		return s.lastErrAsError()
	}

	if src, ok := client.GetTransport().(stderrSource); ok {
		s.relayStderr(src.Stderr())
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "goclaw-bridge",
		Version: "1.0.0",
	}

	initResult, err := client.Initialize(ctx, initReq)
	if err != nil {
		_ = client.Close()
		s.fail(newErr(KindUpstreamStartFailed, s.Name, fmt.Errorf("initialize: %w", err)))
		return s.lastErrAsError()
	}

	s.mu.Lock()
	s.client = client
	s.capabilities = initResult.Capabilities
	s.status = StatusConnected
	s.lastSeen = time.Now()
	s.lastKeepAlive = time.Now()
	s.consecutiveFailures = 0
	s.keepAliveFailures = 0
	s.lastErr = ""
	s.mu.Unlock()

	if err := s.LoadCapabilities(ctx); err != nil {
		slog.Warn("bridge.upstream.load_capabilities_failed", "upstream", s.Name, "error", err)
	}

	slog.Info("bridge.upstream.connected", "upstream", s.Name)
	return nil
}

func (s *Session) fail(err *Error) {
	s.mu.Lock()
	s.status = StatusFailed
	s.lastErr = err.Error()
	s.mu.Unlock()
	slog.Warn("bridge.upstream.start_failed", "upstream", s.Name, "error", err)
}

func (s *Session) lastErrAsError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Errorf("%s", s.lastErr)
}

// relayStderr re-emits non-MCP stderr lines through the structured logger,
// prefixed with the upstream name, promoting/demoting level by content
// (spec §4.1).
func (s *Session) relayStderr(r io.Reader) {
	if r == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stderrCancel = cancel
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			line := scanner.Text()
			logStderrLine(s.Name, line)
		}
	}()
}

func logStderrLine(upstream, line string) {
	lower := strings.ToLower(line)
	prefixed := fmt.Sprintf("[%s] %s", upstream, line)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "exception") || strings.Contains(lower, "traceback"):
		slog.Error("bridge.upstream.stderr", "upstream", upstream, "line", prefixed)
	case strings.Contains(lower, "warn"):
		slog.Warn("bridge.upstream.stderr", "upstream", upstream, "line", prefixed)
	case strings.HasPrefix(strings.TrimSpace(line), `{"`) && strings.Contains(line, `"jsonrpc"`):
		slog.Debug("bridge.upstream.stderr", "upstream", upstream, "line", prefixed)
	default:
		slog.Info("bridge.upstream.stderr", "upstream", upstream, "line", prefixed)
	}
}

// LoadCapabilities lists tools/resources/prompts the upstream advertises and
// caches them; also validates any configured health-check target exists.
// Concurrent callers for the same session share one in-flight load.
func (s *Session) LoadCapabilities(ctx context.Context) error {
	_, err, _ := s.loadGroup.Do("load", func() (any, error) {
		return nil, s.loadCapabilitiesOnce(ctx)
	})
	return err
}

func (s *Session) loadCapabilitiesOnce(ctx context.Context) error {
	s.mu.RLock()
	client := s.client
	caps := s.capabilities
	cfg := s.cfg
	s.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("session not connected")
	}

	var tools []mcpgo.Tool
	var resources []mcpgo.Resource
	var prompts []mcpgo.Prompt

	if caps.Tools != nil {
		res, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
		if err != nil {
			return newErr(KindUpstreamUnexpected, s.Name, fmt.Errorf("list tools: %w", err))
		}
		tools = res.Tools
	}
	if caps.Resources != nil {
		res, err := client.ListResources(ctx, mcpgo.ListResourcesRequest{})
		if err != nil {
			return newErr(KindUpstreamUnexpected, s.Name, fmt.Errorf("list resources: %w", err))
		}
		resources = res.Resources
	}
	if caps.Prompts != nil {
		res, err := client.ListPrompts(ctx, mcpgo.ListPromptsRequest{})
		if err != nil {
			return newErr(KindUpstreamUnexpected, s.Name, fmt.Errorf("list prompts: %w", err))
		}
		prompts = res.Prompts
	}

	s.mu.Lock()
	s.tools = tools
	s.resources = resources
	s.prompts = prompts
	s.mu.Unlock()

	validateHealthCheckTarget(s.Name, cfg, tools, resources, prompts)
	return nil
}

func validateHealthCheckTarget(name string, cfg *config.UpstreamConfig, tools []mcpgo.Tool, resources []mcpgo.Resource, prompts []mcpgo.Prompt) {
	if cfg == nil || !cfg.HealthCheck.Enabled {
		return
	}
	hc := cfg.HealthCheck
	switch hc.Operation {
	case "call_tool":
		if hc.ToolName == "" {
			return
		}
		for _, t := range tools {
			if t.Name == hc.ToolName {
				return
			}
		}
		slog.Warn("bridge.upstream.health_check_target_missing", "upstream", name, "tool", hc.ToolName)
	case "read_resource":
		if hc.ResourceURI == "" {
			return
		}
		for _, r := range resources {
			if r.URI == hc.ResourceURI {
				return
			}
		}
		slog.Warn("bridge.upstream.health_check_target_missing", "upstream", name, "resource", hc.ResourceURI)
	case "get_prompt":
		if hc.PromptName == "" {
			return
		}
		for _, p := range prompts {
			if p.Name == hc.PromptName {
				return
			}
		}
		slog.Warn("bridge.upstream.health_check_target_missing", "upstream", name, "prompt", hc.PromptName)
	}
}

// Tools returns the last-loaded tool list. Empty unless Status()==Connected
// (invariant 1).
func (s *Session) Tools() []mcpgo.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusConnected {
		return nil
	}
	return s.tools
}

// Resources returns the last-loaded resource list.
func (s *Session) Resources() []mcpgo.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusConnected {
		return nil
	}
	return s.resources
}

// Prompts returns the last-loaded prompt list.
func (s *Session) Prompts() []mcpgo.Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusConnected {
		return nil
	}
	return s.prompts
}

// CallTool invokes name on the upstream. MCP-typed failures (IsError
// results) are returned verbatim; transport failures are wrapped as
// KindUpstreamUnexpected.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcpgo.CallToolResult, error) {
	client, ok := s.activeClient()
	if !ok {
		return nil, newErr(KindUpstreamUnexpected, s.Name, fmt.Errorf("no active upstream"))
	}
	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := client.CallTool(ctx, req)
	if err != nil {
		return nil, newErr(KindUpstreamUnexpected, s.Name, err)
	}
	return res, nil
}

// ReadResource reads uri from the upstream.
func (s *Session) ReadResource(ctx context.Context, uri string) (*mcpgo.ReadResourceResult, error) {
	client, ok := s.activeClient()
	if !ok {
		return nil, newErr(KindUpstreamUnexpected, s.Name, fmt.Errorf("no active upstream"))
	}
	req := mcpgo.ReadResourceRequest{}
	req.Params.URI = uri
	res, err := client.ReadResource(ctx, req)
	if err != nil {
		return nil, newErr(KindUpstreamUnexpected, s.Name, err)
	}
	return res, nil
}

// GetPrompt fetches name from the upstream.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcpgo.GetPromptResult, error) {
	client, ok := s.activeClient()
	if !ok {
		return nil, newErr(KindUpstreamUnexpected, s.Name, fmt.Errorf("no active upstream"))
	}
	req := mcpgo.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := client.GetPrompt(ctx, req)
	if err != nil {
		return nil, newErr(KindUpstreamUnexpected, s.Name, err)
	}
	return res, nil
}

// SubscribeResource is best-effort; failures are logged, never surfaced.
func (s *Session) SubscribeResource(ctx context.Context, uri string) {
	client, ok := s.activeClient()
	if !ok {
		return
	}
	req := mcpgo.SubscribeRequest{}
	req.Params.URI = uri
	if err := client.Subscribe(ctx, req); err != nil {
		slog.Debug("bridge.upstream.subscribe_failed", "upstream", s.Name, "uri", uri, "error", err)
	}
}

// UnsubscribeResource is best-effort; failures are logged, never surfaced.
func (s *Session) UnsubscribeResource(ctx context.Context, uri string) {
	client, ok := s.activeClient()
	if !ok {
		return
	}
	req := mcpgo.UnsubscribeRequest{}
	req.Params.URI = uri
	if err := client.Unsubscribe(ctx, req); err != nil {
		slog.Debug("bridge.upstream.unsubscribe_failed", "upstream", s.Name, "uri", uri, "error", err)
	}
}

// SetLogLevel forwards the log-level change to the upstream.
func (s *Session) SetLogLevel(ctx context.Context, level mcpgo.LoggingLevel) error {
	client, ok := s.activeClient()
	if !ok {
		return newErr(KindUpstreamUnexpected, s.Name, fmt.Errorf("no active upstream"))
	}
	req := mcpgo.SetLevelRequest{}
	req.Params.Level = level
	return client.SetLevel(ctx, req)
}

// Complete forwards a completion request; returns the upstream's completion
// list or empty on failure.
func (s *Session) Complete(ctx context.Context, ref mcpgo.CompleteReference, argName, argValue string) []string {
	client, ok := s.activeClient()
	if !ok {
		return nil
	}
	req := mcpgo.CompleteRequest{}
	req.Params.Ref = ref
	req.Params.Argument.Name = argName
	req.Params.Argument.Value = argValue
	res, err := client.Complete(ctx, req)
	if err != nil {
		slog.Debug("bridge.upstream.complete_failed", "upstream", s.Name, "error", err)
		return nil
	}
	return res.Completion.Values
}

// ProbeListTools re-lists tools directly from the upstream (used by probes;
// does not update the cached Tools()).
func (s *Session) ProbeListTools(ctx context.Context) error {
	client, ok := s.activeClient()
	if !ok {
		return newErr(KindUpstreamUnexpected, s.Name, fmt.Errorf("no active upstream"))
	}
	_, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	return err
}

// ProbeListResources re-lists resources directly from the upstream.
func (s *Session) ProbeListResources(ctx context.Context) error {
	client, ok := s.activeClient()
	if !ok {
		return newErr(KindUpstreamUnexpected, s.Name, fmt.Errorf("no active upstream"))
	}
	_, err := client.ListResources(ctx, mcpgo.ListResourcesRequest{})
	return err
}

// ProbeListPrompts re-lists prompts directly from the upstream.
func (s *Session) ProbeListPrompts(ctx context.Context) error {
	client, ok := s.activeClient()
	if !ok {
		return newErr(KindUpstreamUnexpected, s.Name, fmt.Errorf("no active upstream"))
	}
	_, err := client.ListPrompts(ctx, mcpgo.ListPromptsRequest{})
	return err
}

// Ping issues the session's liveness probe.
func (s *Session) Ping(ctx context.Context) error {
	client, ok := s.activeClient()
	if !ok {
		return newErr(KindUpstreamUnexpected, s.Name, fmt.Errorf("no active upstream"))
	}
	return client.Ping(ctx)
}

func (s *Session) activeClient() (*mcpclient.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusConnected || s.client == nil {
		return nil, false
	}
	return s.client, true
}

// Stop releases the session and terminates the child process. Safe to
// invoke in any state (spec §4.1).
func (s *Session) Stop() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.status = StatusDisconnected
	s.tools = nil
	s.resources = nil
	s.prompts = nil
	cancel := s.stderrCancel
	s.stderrCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		if err := client.Close(); err != nil && !IsShutdownSwallowable(err) {
			slog.Debug("bridge.upstream.close_error", "upstream", s.Name, "error", err)
		}
	}
}

// applyConfigInPlace swaps in a new config without reconnecting — used when
// only fields like priority/namespaces/health_check changed (spec §4.6
// UPDATE: "otherwise mutate fields in place and re-validate health-check
// targets against cached capabilities").
func (s *Session) applyConfigInPlace(next *config.UpstreamConfig) {
	s.mu.Lock()
	s.cfg = next
	tools, resources, prompts := s.tools, s.resources, s.prompts
	s.mu.Unlock()

	validateHealthCheckTarget(s.Name, next, tools, resources, prompts)
}

// Disable marks the session disabled without attempting reconnection.
func (s *Session) Disable() {
	s.Stop()
	s.setStatus(StatusDisabled)
}

// RestartMutex returns the per-upstream restart mutex (invariant 2: exactly
// one concurrent restart per upstream).
func (s *Session) RestartMutex() *sync.Mutex { return &s.restartMu }

// RecordProbeSuccess resets consecutive failure counters after a successful
// probe.
func (s *Session) RecordProbeSuccess() {
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// RecordProbeFailure increments failure/consecutive-failure counters and
// returns the new consecutive count.
func (s *Session) RecordProbeFailure(errMsg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	s.consecutiveFailures++
	s.lastErr = errMsg
	return s.consecutiveFailures
}

// RecordKeepAliveSuccess resets keep-alive failure counters.
func (s *Session) RecordKeepAliveSuccess() {
	s.mu.Lock()
	s.keepAliveFailures = 0
	s.lastKeepAlive = time.Now()
	s.mu.Unlock()
}

// RecordKeepAliveFailure increments the keep-alive failure counter and
// returns the new count.
func (s *Session) RecordKeepAliveFailure(errMsg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepAliveFailures++
	s.lastErr = errMsg
	return s.keepAliveFailures
}

// LastKeepAlive returns the timestamp of the last successful keep-alive.
func (s *Session) LastKeepAlive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastKeepAlive
}

// MarkFailed transitions the session to failed and disconnects its client,
// preserving the provided error message.
func (s *Session) MarkFailed(errMsg string) {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.status = StatusFailed
	s.lastErr = errMsg
	s.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}

// RestartCount returns how many times this session has been restarted.
func (s *Session) RestartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restartCount
}

// BeginRestart increments the restart counter and records the timestamp.
// Must be called while holding RestartMutex().
func (s *Session) BeginRestart() {
	s.mu.Lock()
	s.restartCount++
	s.lastRestart = time.Now()
	s.mu.Unlock()
}

// LastError returns the last recorded error string, if any.
func (s *Session) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func mapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
