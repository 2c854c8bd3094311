package mcpbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/tracing"
)

const (
	defaultFailoverInterval = 30 * time.Second
	defaultMaxFailures      = 3
	maxKeepAliveFailures    = 3
	defaultRestartBurst     = 5
	restartRateWindow       = time.Minute
)

// HealthSupervisor runs the two cooperative periodic loops described in
// spec §4.2 for as long as the bridge is not shutting down: the failover
// loop (periodic liveness probe with restart-on-failure) and the keep-alive
// loop (tight per-upstream cadence).
type HealthSupervisor struct {
	sup *Supervisor

	limiterMu       sync.Mutex
	restartLimiters map[string]*rate.Limiter
}

func newHealthSupervisor(sup *Supervisor) *HealthSupervisor {
	return &HealthSupervisor{
		sup:             sup,
		restartLimiters: make(map[string]*rate.Limiter),
	}
}

// Run launches the failover and keep-alive loops under a shared errgroup
// scope (C7's "shared lifecycle scope"), returning when ctx is canceled.
func (h *HealthSupervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.failoverLoop(ctx)
		return nil
	})
	g.Go(func() error {
		h.keepAliveLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (h *HealthSupervisor) failoverLoop(ctx context.Context) {
	for {
		wait := h.nextFailoverWait()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			bridge := h.sup.BridgeConfig()
			if !bridge.Failover.Enabled {
				continue
			}
			for _, sess := range h.sup.ActiveSessions() {
				if sess.Status() != StatusConnected {
					continue
				}
				h.runFailoverProbe(ctx, sess, bridge)
			}
		}
	}
}

// nextFailoverWait resolves the delay until the next failover probe sweep.
// A configured cron schedule (bridge.failover.schedule) overrides the
// default fixed 30s cadence; an invalid expression falls back to the
// default rather than wedging the loop.
func (h *HealthSupervisor) nextFailoverWait() time.Duration {
	schedule := h.sup.BridgeConfig().Failover.Schedule
	if schedule == "" {
		return defaultFailoverInterval
	}
	g := gronx.New()
	if !g.IsValid(schedule) {
		slog.Warn("bridge.health.invalid_failover_schedule", "schedule", schedule)
		return defaultFailoverInterval
	}
	next, err := gronx.NextTick(schedule, false)
	if err != nil {
		slog.Warn("bridge.health.failover_schedule_error", "schedule", schedule, "error", err)
		return defaultFailoverInterval
	}
	if d := time.Until(next); d > 0 {
		return d
	}
	return defaultFailoverInterval
}

func (h *HealthSupervisor) runFailoverProbe(ctx context.Context, sess *Session, bridge *config.BridgeConfig) {
	cfg := sess.Config()
	hc := cfg.HealthCheck
	timeout := time.Duration(hc.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := tracing.TimedUpstreamSpan(pctx, tracing.SpanUpstreamProbe, sess.Name,
		func(c context.Context) error { return runProbe(c, sess, hc) },
		tracing.OperationAttr(hc.Operation))
	if err == nil {
		sess.RecordProbeSuccess()
		return
	}

	consecutive := sess.RecordProbeFailure(err.Error())
	maxFailures := resolveMaxFailures(bridge, hc)
	if consecutive < maxFailures {
		return
	}

	slog.Warn("bridge.upstream.failover_triggered", "upstream", sess.Name, "consecutive_failures", consecutive)
	sess.MarkFailed(err.Error())

	if hc.AutoRestart && hc.MaxRestartAttempts > 0 {
		release := h.sup.trackRestart()
		go func() {
			defer release()
			h.restart(ctx, sess)
		}()
	}
}

func resolveMaxFailures(bridge *config.BridgeConfig, hc config.HealthCheckConfig) int {
	if bridge.Failover.MaxFailures > 0 {
		return bridge.Failover.MaxFailures
	}
	if hc.MaxConsecutiveFailures > 0 {
		return hc.MaxConsecutiveFailures
	}
	return defaultMaxFailures
}

func (h *HealthSupervisor) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(h.keepAliveCadence())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range h.sup.ActiveSessions() {
				if sess.Status() != StatusConnected {
					continue
				}
				cfg := sess.Config()
				hc := cfg.HealthCheck
				interval := time.Duration(hc.KeepAliveIntervalMS) * time.Millisecond
				if interval <= 0 {
					continue
				}
				if time.Since(sess.LastKeepAlive()) < interval {
					continue
				}
				h.runKeepAlive(ctx, sess, hc)
			}
		}
	}
}

// keepAliveCadence is the min over enabled upstreams of
// keep_alive_interval_ms, per spec §4.2.
func (h *HealthSupervisor) keepAliveCadence() time.Duration {
	min := time.Duration(0)
	for _, sess := range h.sup.ActiveSessions() {
		if !sess.Config().IsEnabled() {
			continue
		}
		hc := sess.Config().HealthCheck
		if hc.KeepAliveIntervalMS <= 0 {
			continue
		}
		d := time.Duration(hc.KeepAliveIntervalMS) * time.Millisecond
		if min == 0 || d < min {
			min = d
		}
	}
	if min == 0 {
		return defaultFailoverInterval
	}
	return min
}

func (h *HealthSupervisor) runKeepAlive(ctx context.Context, sess *Session, hc config.HealthCheckConfig) {
	timeout := time.Duration(hc.KeepAliveTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := tracing.TimedUpstreamSpan(pctx, tracing.SpanUpstreamProbe, sess.Name,
		func(c context.Context) error { return runProbe(c, sess, hc) },
		tracing.OperationAttr(hc.Operation))
	if err == nil {
		sess.RecordKeepAliveSuccess()
		return
	}

	failures := sess.RecordKeepAliveFailure(err.Error())
	if failures < maxKeepAliveFailures {
		return
	}

	slog.Warn("bridge.upstream.keep_alive_exhausted", "upstream", sess.Name, "failures", failures)
	sess.MarkFailed(err.Error())
	if hc.AutoRestart && hc.MaxRestartAttempts > 0 {
		release := h.sup.trackRestart()
		go func() {
			defer release()
			h.restart(ctx, sess)
		}()
	}
}

// runProbe executes the configured probe operation (spec §4.2).
func runProbe(ctx context.Context, sess *Session, hc config.HealthCheckConfig) error {
	switch hc.Operation {
	case "list_tools", "":
		return sess.ProbeListTools(ctx)
	case "list_resources":
		return sess.ProbeListResources(ctx)
	case "list_prompts":
		return sess.ProbeListPrompts(ctx)
	case "call_tool":
		if hc.ToolName == "" {
			slog.Warn("bridge.upstream.health_check_fallback", "upstream", sess.Name, "reason", "call_tool missing tool_name")
			return sess.ProbeListTools(ctx)
		}
		_, err := sess.CallTool(ctx, hc.ToolName, hc.ToolArguments)
		return err
	case "read_resource":
		if hc.ResourceURI == "" {
			slog.Warn("bridge.upstream.health_check_fallback", "upstream", sess.Name, "reason", "read_resource missing resource_uri")
			return sess.ProbeListTools(ctx)
		}
		_, err := sess.ReadResource(ctx, hc.ResourceURI)
		return err
	case "get_prompt":
		if hc.PromptName == "" {
			slog.Warn("bridge.upstream.health_check_fallback", "upstream", sess.Name, "reason", "get_prompt missing prompt_name")
			return sess.ProbeListTools(ctx)
		}
		argStrs := make(map[string]string, len(hc.PromptArguments))
		for k, v := range hc.PromptArguments {
			argStrs[k] = fmt.Sprintf("%v", v)
		}
		_, err := sess.GetPrompt(ctx, hc.PromptName, argStrs)
		return err
	case "ping", "health", "status":
		return sess.Ping(ctx)
	default:
		slog.Warn("bridge.upstream.health_check_unknown_operation", "upstream", sess.Name, "operation", hc.Operation)
		return sess.ProbeListTools(ctx)
	}
}

// restart implements the restart procedure of spec §4.2: acquire the
// per-upstream restart mutex; if the status is no longer failed by the time
// the lock is obtained, another path already recovered it and this call is
// a no-op.
func (h *HealthSupervisor) restart(ctx context.Context, sess *Session) {
	mu := sess.RestartMutex()
	mu.Lock()
	defer mu.Unlock()

	if sess.Status() != StatusFailed {
		return
	}

	cfg := sess.Config()
	hc := cfg.HealthCheck
	if sess.RestartCount() >= hc.MaxRestartAttempts {
		slog.Error("bridge.upstream.restart_exhausted", "upstream", sess.Name, "attempts", sess.RestartCount())
		return
	}

	if !h.allowRestart(sess.Name) {
		slog.Warn("bridge.upstream.restart_rate_limited", "upstream", sess.Name)
		return
	}

	sess.BeginRestart()
	attempt := sess.RestartCount()

	delay := time.Duration(hc.RestartDelayMS) * time.Millisecond
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	sess.Stop() // ensure disconnected before reconnecting

	err := tracing.TimedUpstreamSpan(ctx, tracing.SpanUpstreamRestart, sess.Name,
		func(c context.Context) error { return sess.Start(c, cfg) },
		tracing.AttemptAttr(attempt))
	if err != nil {
		slog.Error("bridge.upstream.restart_failed", "upstream", sess.Name, "error", err)
		return
	}

	// the intent here is simply "log success on reconnect" — implemented
	// straightforwardly rather than via a redundant status comparison.
	slog.Info("bridge.upstream.restarted", "upstream", sess.Name, "restart_count", sess.RestartCount())
}

// allowRestart layers a token-bucket guard under the restart-delay/backoff
// policy to bound how fast a flapping upstream can be restarted within a
// sliding window, independent of max_restart_attempts.
func (h *HealthSupervisor) allowRestart(name string) bool {
	h.limiterMu.Lock()
	limiter, ok := h.restartLimiters[name]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(restartRateWindow/defaultRestartBurst), defaultRestartBurst)
		h.restartLimiters[name] = limiter
	}
	h.limiterMu.Unlock()
	return limiter.Allow()
}
