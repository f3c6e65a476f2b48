// Package turnstream defines the JSON envelope a voice turn emits toward
// transports and artifact files. The shape is mirrored by
// docs/turnstream.schema.json; both sides change together.
package turnstream

import (
	"fmt"
	"regexp"
)

// SchemaVersion is stamped on every event the runtime emits.
const SchemaVersion = "v1.0"

// EventKind discriminates the envelope payload.
type EventKind string

const (
	KindSentence EventKind = "sentence"
	KindAudio    EventKind = "audio"
	KindStatus   EventKind = "status"
	KindError    EventKind = "error"
)

// Status values carried by status events.
type Status string

const (
	StatusTurnStarted   Status = "turn_started"
	StatusTurnCompleted Status = "turn_completed"
	StatusTurnDegraded  Status = "turn_degraded"
	StatusSessionClosed Status = "session_closed"
)

// FailureClass mirrors the runtime failure taxonomy on the wire.
type FailureClass string

const (
	FailureRateLimited        FailureClass = "rate_limited"
	FailureServiceUnavailable FailureClass = "service_unavailable"
	FailureRequestInvalid     FailureClass = "request_invalid"
	FailureTimeout            FailureClass = "timeout"
	FailureCircuitOpen        FailureClass = "circuit_open"
	FailureSegmentation       FailureClass = "segmentation"
)

// Event is one turn stream emission. Kind decides which fields are
// required; unrelated fields stay empty and are omitted from JSON.
//
// Audio may travel two ways: inline as AudioB64 (artifact files), or as a
// binary frame following an Event header with AudioB64 empty (websocket).
// Format is required either way so receivers can decode without sniffing.
type Event struct {
	SchemaVersion string       `json:"schema_version"`
	SessionID     string       `json:"session_id"`
	TurnID        string       `json:"turn_id"`
	Seq           int          `json:"seq"`
	Kind          EventKind    `json:"kind"`
	Text          string       `json:"text,omitempty"`
	AudioB64      string       `json:"audio_b64,omitempty"`
	Format        string       `json:"format,omitempty"`
	Status        Status       `json:"status,omitempty"`
	FailureClass  FailureClass `json:"failure_class,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	EmittedAtMS   int64        `json:"emitted_at_ms"`
}

var schemaVersionRE = regexp.MustCompile(`^v[0-9]+\.[0-9]+$`)

// Validate enforces the envelope invariants, including the kind-dependent
// required fields.
func (e Event) Validate() error {
	if !schemaVersionRE.MatchString(e.SchemaVersion) {
		return fmt.Errorf("invalid schema_version: %q", e.SchemaVersion)
	}
	if e.SessionID == "" || e.TurnID == "" {
		return fmt.Errorf("session_id and turn_id are required")
	}
	if e.Seq < 0 {
		return fmt.Errorf("seq must be >=0")
	}
	if e.EmittedAtMS < 0 {
		return fmt.Errorf("emitted_at_ms must be >=0")
	}
	switch e.Kind {
	case KindSentence:
		if e.Text == "" {
			return fmt.Errorf("sentence event requires text")
		}
	case KindAudio:
		if e.Format == "" {
			return fmt.Errorf("audio event requires format")
		}
	case KindStatus:
		if !isStatus(e.Status) {
			return fmt.Errorf("invalid status: %q", e.Status)
		}
	case KindError:
		if !isFailureClass(e.FailureClass) {
			return fmt.Errorf("invalid failure_class: %q", e.FailureClass)
		}
		if e.Reason == "" {
			return fmt.Errorf("error event requires reason")
		}
	default:
		return fmt.Errorf("invalid kind: %q", e.Kind)
	}
	return nil
}

func isStatus(s Status) bool {
	switch s {
	case StatusTurnStarted, StatusTurnCompleted, StatusTurnDegraded, StatusSessionClosed:
		return true
	default:
		return false
	}
}

func isFailureClass(c FailureClass) bool {
	switch c {
	case FailureRateLimited, FailureServiceUnavailable, FailureRequestInvalid,
		FailureTimeout, FailureCircuitOpen, FailureSegmentation:
		return true
	default:
		return false
	}
}
