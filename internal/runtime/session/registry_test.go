package session

import (
	"strings"
	"testing"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/identity"
)

func TestRegistryCreateTracksSessions(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first, err := r.Create()
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	second, err := r.Create()
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if first.SessionID() == second.SessionID() {
		t.Fatalf("expected unique session ids, got %s twice", first.SessionID())
	}
	if err := identity.Validate(first.SessionID(), identity.SessionPrefix); err != nil {
		t.Fatalf("minted session id invalid: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 tracked sessions, got %d", r.Len())
	}

	got, ok := r.Get(first.SessionID())
	if !ok || got != first {
		t.Fatalf("expected to look up the tracked manager")
	}
}

func TestRegistryRemoveForgetsSession(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	manager, err := r.Create()
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	r.Remove(manager.SessionID())
	if _, ok := r.Get(manager.SessionID()); ok {
		t.Fatalf("expected removed session to be forgotten")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistryHangupAllFencesEverySession(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	managers := make([]*Manager, 0, 3)
	for i := 0; i < 3; i++ {
		manager, err := r.Create()
		if err != nil {
			t.Fatalf("create session: %v", err)
		}
		managers = append(managers, manager)
	}

	r.HangupAll("server shutting down")

	for _, manager := range managers {
		hungup, reason := manager.HungUp()
		if !hungup {
			t.Fatalf("expected session %s fenced", manager.SessionID())
		}
		if !strings.Contains(reason, "shutting down") {
			t.Fatalf("unexpected hangup reason %q", reason)
		}
	}
}
