package core

import (
	"testing"

	ts "github.com/tiger/voice-turn-pipeline/api/turnstream"
)

func TestFacadeTypeAliasesMatchCanonicalContracts(t *testing.T) {
	t.Parallel()

	var _ Event = ts.Event{}
	var _ EventKind = ts.KindSentence
	var _ Status = ts.StatusTurnStarted
	var _ FailureClass = ts.FailureTimeout

	if SchemaVersion != ts.SchemaVersion {
		t.Fatalf("facade schema version diverged: %q vs %q", SchemaVersion, ts.SchemaVersion)
	}
}

func TestFacadeEventValidates(t *testing.T) {
	t.Parallel()

	event := Event{
		SchemaVersion: SchemaVersion,
		SessionID:     "sess-core-1",
		TurnID:        "turn-core-1",
		Seq:           1,
		Kind:          KindSentence,
		Text:          "Hello there.",
		EmittedAtMS:   1,
	}
	if err := event.Validate(); err != nil {
		t.Fatalf("expected facade event to validate, got %v", err)
	}

	event.Kind = KindError
	event.FailureClass = FailureCircuitOpen
	event.Reason = "breaker open for model"
	if err := event.Validate(); err != nil {
		t.Fatalf("expected error event to validate, got %v", err)
	}
}
