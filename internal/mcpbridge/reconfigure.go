package mcpbridge

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
)

// Reconfigure diffs the running upstream set against newServers and applies
// add/remove/update actions (C6). Reload is atomic per upstream, not per
// bridge (spec §6): a failure connecting one added upstream does not
// prevent the others from applying.
func Reconfigure(ctx context.Context, sup *Supervisor, newServers map[string]*config.UpstreamConfig, newBridge *config.BridgeConfig) error {
	current := sup.ActiveSessions()
	currentByName := make(map[string]*Session, len(current))
	for _, sess := range current {
		currentByName[sess.Name] = sess
	}

	sup.setBridgeConfig(newBridge)

	for name := range currentByName {
		if _, stillWanted := newServers[name]; !stillWanted {
			remove(sup, currentByName[name])
		}
	}

	for name, cfg := range newServers {
		old, existed := currentByName[name]
		if !existed {
			add(ctx, sup, name, cfg)
			continue
		}
		update(ctx, sup, old, cfg)
	}

	return nil
}

func remove(sup *Supervisor, sess *Session) {
	slog.Info("bridge.reconfigure.remove", "upstream", sess.Name)
	sess.Stop()
	sup.removeSession(sess.Name)
}

func add(ctx context.Context, sup *Supervisor, name string, cfg *config.UpstreamConfig) {
	slog.Info("bridge.reconfigure.add", "upstream", name)
	sess := NewSession(name, cfg)
	sup.addSession(name, sess)
	if !cfg.IsEnabled() {
		sess.Disable()
		return
	}
	if err := sess.Start(ctx, cfg); err != nil {
		slog.Warn("bridge.reconfigure.add_failed", "upstream", name, "error", err)
	}
}

func update(ctx context.Context, sup *Supervisor, sess *Session, next *config.UpstreamConfig) {
	old := sess.Config()
	if !config.Changed(old, next) {
		return // reload idempotence law (spec §8)
	}

	slog.Info("bridge.reconfigure.update", "upstream", sess.Name)

	wasEnabled := old.IsEnabled()
	nowEnabled := next.IsEnabled()

	switch {
	case wasEnabled && !nowEnabled:
		sess.Disable()
	case !wasEnabled && nowEnabled:
		if err := sess.Start(ctx, next); err != nil {
			slog.Warn("bridge.reconfigure.update_reconnect_failed", "upstream", sess.Name, "error", err)
		}
	case config.CommandChanged(old, next):
		sess.Stop()
		if err := sess.Start(ctx, next); err != nil {
			slog.Warn("bridge.reconfigure.update_reconnect_failed", "upstream", sess.Name, "error", err)
		}
	default:
		// mutate fields in place and re-validate health-check targets
		// against cached capabilities, without reconnecting.
		sess.applyConfigInPlace(next)
	}
}
