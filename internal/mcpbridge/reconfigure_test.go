package mcpbridge

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
)

func TestReconfigureAddsDisabledUpstreamWithoutStarting(t *testing.T) {
	sup := NewSupervisor()
	off := false
	newServers := map[string]*config.UpstreamConfig{
		"github": {Command: "npx", Enabled: &off},
	}

	if err := Reconfigure(context.Background(), sup, newServers, config.DefaultBridge()); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	sess, ok := sup.session("github")
	if !ok {
		t.Fatal("expected session to be added")
	}
	if sess.Status() != StatusDisabled {
		t.Errorf("expected disabled status, got %v", sess.Status())
	}
}

func TestReconfigureRemovesDroppedUpstream(t *testing.T) {
	sup := NewSupervisor()
	off := false
	sess := NewSession("stale", &config.UpstreamConfig{Command: "true", Enabled: &off})
	sess.Disable()
	sup.addSession("stale", sess)

	if err := Reconfigure(context.Background(), sup, map[string]*config.UpstreamConfig{}, config.DefaultBridge()); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	if _, ok := sup.session("stale"); ok {
		t.Error("expected stale upstream to be removed")
	}
}

func TestReconfigureIsIdempotentWhenNothingChanged(t *testing.T) {
	sup := NewSupervisor()
	off := false
	cfg := &config.UpstreamConfig{Command: "true", Enabled: &off, Priority: 2}
	sess := NewSession("svc", cfg)
	sess.Disable()
	sup.addSession("svc", sess)

	servers := map[string]*config.UpstreamConfig{"svc": cfg}
	if err := Reconfigure(context.Background(), sup, servers, config.DefaultBridge()); err != nil {
		t.Fatalf("first reconfigure: %v", err)
	}
	if err := Reconfigure(context.Background(), sup, servers, config.DefaultBridge()); err != nil {
		t.Fatalf("second reconfigure: %v", err)
	}

	sess2, ok := sup.session("svc")
	if !ok || sess2.Status() != StatusDisabled {
		t.Errorf("expected svc to remain disabled and present, got ok=%v status=%v", ok, sess2.Status())
	}
}

func TestReconfigureMutatesPriorityInPlaceWithoutReconnect(t *testing.T) {
	sup := NewSupervisor()
	off := false
	oldCfg := &config.UpstreamConfig{Command: "true", Enabled: &off, Priority: 1}
	sess := NewSession("svc", oldCfg)
	sess.Disable()
	sup.addSession("svc", sess)

	nextCfg := &config.UpstreamConfig{Command: "true", Enabled: &off, Priority: 9}
	if err := Reconfigure(context.Background(), sup, map[string]*config.UpstreamConfig{"svc": nextCfg}, config.DefaultBridge()); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	sess2, ok := sup.session("svc")
	if !ok {
		t.Fatal("expected svc to still be present")
	}
	if sess2.Config().Priority != 9 {
		t.Errorf("expected priority to be updated in place, got %d", sess2.Config().Priority)
	}
}
