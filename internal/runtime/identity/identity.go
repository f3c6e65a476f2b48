// Package identity mints the session and turn identifiers that correlate
// runtime state, telemetry, and wire events.
package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes distinguish ID families in logs and wire payloads.
const (
	SessionPrefix = "sess"
	TurnPrefix    = "turn"
)

// NewSessionID mints a unique session identifier.
func NewSessionID() string {
	return SessionPrefix + "-" + uuid.NewString()
}

// NewTurnID mints a unique turn identifier.
func NewTurnID() string {
	return TurnPrefix + "-" + uuid.NewString()
}

// Validate checks that an identifier carries the expected prefix and a
// non-empty body. Entry points use it to reject hand-built IDs early.
func Validate(id, prefix string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("identifier is required")
	}
	if !strings.HasPrefix(trimmed, prefix+"-") {
		return fmt.Errorf("identifier %q does not carry prefix %q", trimmed, prefix)
	}
	if len(trimmed) == len(prefix)+1 {
		return fmt.Errorf("identifier %q has no body", trimmed)
	}
	return nil
}
