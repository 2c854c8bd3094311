package mcpbridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
)

const stopTimeout = 2 * time.Second

// Supervisor owns the set of upstream sessions, the shared lifecycle scope
// that guarantees release of all child processes and streams on any exit
// path, and the shutdown signal (C7).
type Supervisor struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	bridge   *config.BridgeConfig

	health   *HealthSupervisor
	registry *CapabilityRegistry
	router   *Router

	// runID identifies one bridge process lifetime, following the teacher's
	// convention of tagging agent/trace records with a stable uuid.UUID. It
	// is logged when the supervisor starts (and by serve before connecting);
	// other log lines and trace spans do not carry it.
	runID uuid.UUID

	runCancel context.CancelFunc
	runDone   chan struct{}

	// restartWG tracks in-flight health.restart goroutines so Stop can wait
	// for them, mirroring the original's self._restart_tasks/
	// self._keep_alive_tasks set with add_done_callback(...discard).
	restartWG sync.WaitGroup
}

// NewSupervisor constructs an idle Supervisor. Call Start to begin serving.
func NewSupervisor() *Supervisor {
	s := &Supervisor{
		sessions: make(map[string]*Session),
		bridge:   config.DefaultBridge(),
		registry: NewCapabilityRegistry(),
		router:   NewRouter(),
		runID:    uuid.New(),
	}
	s.health = newHealthSupervisor(s)
	return s
}

// RunID identifies this bridge process instance; it is logged at Start.
func (s *Supervisor) RunID() uuid.UUID { return s.runID }

// BridgeConfig returns the currently active global policy.
func (s *Supervisor) BridgeConfig() *config.BridgeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bridge
}

// ActiveSessions returns a snapshot of all known sessions (any status).
func (s *Supervisor) ActiveSessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Registry exposes the capability registry for the Facade.
func (s *Supervisor) Registry() *CapabilityRegistry { return s.registry }

// Router exposes the router for the Facade.
func (s *Supervisor) Router() *Router { return s.router }

// ConnectAll instantiates a session per configured upstream and connects the
// enabled ones. Connect failures are non-fatal: the upstream starts in
// failed status and the bridge continues (spec §7 principle: upstream
// faults never crash the bridge).
func (s *Supervisor) ConnectAll(ctx context.Context, servers map[string]*config.UpstreamConfig, bridge *config.BridgeConfig) {
	s.mu.Lock()
	s.bridge = bridge
	s.mu.Unlock()

	var wg sync.WaitGroup
	for name, cfg := range servers {
		name, cfg := name, cfg
		sess := NewSession(name, cfg)
		s.mu.Lock()
		s.sessions[name] = sess
		s.mu.Unlock()

		if !cfg.IsEnabled() {
			sess.Disable()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Start(ctx, cfg); err != nil {
				slog.Warn("bridge.supervisor.connect_failed", "upstream", name, "error", err)
			}
		}()
	}
	wg.Wait()
}

// Start begins the health supervisor's cooperative loops. Returns
// immediately; the loops run until Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	slog.Info("bridge.supervisor.start", "run_id", s.runID)
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.runDone = make(chan struct{})
	go func() {
		defer close(s.runDone)
		if err := s.health.Run(runCtx); err != nil {
			slog.Debug("bridge.supervisor.health_loop_exit", "error", err)
		}
	}()
}

// Stop releases all child processes and streams. It waits in three steps
// (in-flight restarts, session teardown, the health loops), each bounded by
// stopTimeout; predictable teardown races are swallowed at debug level
// (spec §4.7, §9).
func (s *Supervisor) Stop() {
	if s.runCancel != nil {
		s.runCancel()
	}

	restartDone := make(chan struct{})
	go func() {
		s.restartWG.Wait()
		close(restartDone)
	}()
	select {
	case <-restartDone:
	case <-time.After(stopTimeout):
		slog.Debug("bridge.supervisor.restart_wait_timeout")
	}

	done := make(chan struct{})
	go func() {
		s.mu.RLock()
		sessions := make([]*Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.RUnlock()

		var wg sync.WaitGroup
		for _, sess := range sessions {
			sess := sess
			wg.Add(1)
			go func() {
				defer wg.Done()
				sess.Stop()
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		slog.Debug("bridge.supervisor.stop_timeout")
	}

	if s.runDone != nil {
		select {
		case <-s.runDone:
		case <-time.After(stopTimeout):
		}
	}
}

// StatusEntry reports one upstream's runtime status for the `bridge
// status` CLI view and the supplemented status operation.
type StatusEntry struct {
	Name          string
	Status        string
	ToolCount     int
	ResourceCount int
	PromptCount   int
	RestartCount  int
	LastError     string
}

// Status returns a snapshot of all upstream statuses.
func (s *Supervisor) Status() []StatusEntry {
	s.mu.RLock()
	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	sessions := s.sessions
	s.mu.RUnlock()

	out := make([]StatusEntry, 0, len(names))
	for _, name := range names {
		sess := sessions[name]
		out = append(out, StatusEntry{
			Name:          name,
			Status:        sess.Status().String(),
			ToolCount:     len(sess.Tools()),
			ResourceCount: len(sess.Resources()),
			PromptCount:   len(sess.Prompts()),
			RestartCount:  sess.RestartCount(),
			LastError:     sess.LastError(),
		})
	}
	return out
}

// UpdateServers applies the Reconfigurator's diff against a new
// configuration (spec §4.6, the "Config reload trigger" of spec §6).
func (s *Supervisor) UpdateServers(ctx context.Context, newServers map[string]*config.UpstreamConfig, newBridge *config.BridgeConfig) error {
	if newBridge == nil {
		newBridge = config.DefaultBridge()
	}
	return Reconfigure(ctx, s, newServers, newBridge)
}

func (s *Supervisor) session(name string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[name]
	return sess, ok
}

func (s *Supervisor) addSession(name string, sess *Session) {
	s.mu.Lock()
	s.sessions[name] = sess
	s.mu.Unlock()
}

func (s *Supervisor) removeSession(name string) {
	s.mu.Lock()
	delete(s.sessions, name)
	s.mu.Unlock()
}

func (s *Supervisor) setBridgeConfig(bridge *config.BridgeConfig) {
	s.mu.Lock()
	s.bridge = bridge
	s.mu.Unlock()
}

// trackRestart registers an in-flight restart before it is spawned; the
// returned func must run when the restart goroutine returns, releasing
// Stop's wait.
func (s *Supervisor) trackRestart() (done func()) {
	s.restartWG.Add(1)
	return s.restartWG.Done
}
