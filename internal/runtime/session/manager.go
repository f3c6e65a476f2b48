// Package session tracks per-call turn lifecycle, conversation history, and
// the hangup fence.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/identity"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
)

// TurnState is one point in the turn lifecycle.
type TurnState string

// Turn lifecycle states. Opening turns may fall back to Idle on rejection;
// every other edge moves forward.
const (
	TurnIdle     TurnState = "idle"
	TurnOpening  TurnState = "opening"
	TurnActive   TurnState = "active"
	TurnTerminal TurnState = "terminal"
	TurnClosed   TurnState = "closed"
)

// ErrHangup reports an operation against a session already fenced by hangup.
var ErrHangup = errors.New("session hung up")

// Manager tracks turn lifecycle state within one call session. It owns each
// active turn's cancel func and the conversation history. All methods are
// safe for concurrent use.
type Manager struct {
	sessionID string

	mu           sync.Mutex
	turns        map[string]TurnState
	cancels      map[string]context.CancelFunc
	activeID     string
	history      []contracts.Message
	hungup       bool
	hangupReason string
}

// NewManager constructs an empty lifecycle manager for one session.
func NewManager(sessionID string) (*Manager, error) {
	if err := identity.Validate(sessionID, identity.SessionPrefix); err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	return &Manager{
		sessionID: sessionID,
		turns:     map[string]TurnState{},
		cancels:   map[string]context.CancelFunc{},
	}, nil
}

// SessionID returns the manager's scope identity.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// ProposeTurn mints a turn ID and moves it Idle to Opening. Proposals are
// rejected while another turn is active and after hangup.
func (m *Manager) ProposeTurn() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hungup {
		return "", fmt.Errorf("propose turn: %w: %s", ErrHangup, m.hangupReason)
	}
	if m.activeID != "" {
		return "", fmt.Errorf("cannot propose a turn while turn %s is active", m.activeID)
	}
	turnID := identity.NewTurnID()
	m.turns[turnID] = TurnOpening
	return turnID, nil
}

// OpenTurn moves Opening to Active and derives the turn's cancellable
// context from parent. The manager holds the cancel func until the turn
// finalizes or the session hangs up.
func (m *Manager) OpenTurn(parent context.Context, turnID string) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hungup {
		return nil, fmt.Errorf("open turn %s: %w: %s", turnID, ErrHangup, m.hangupReason)
	}
	if err := m.requireState(turnID, TurnOpening); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	m.turns[turnID] = TurnActive
	m.activeID = turnID
	m.cancels[turnID] = cancel
	return ctx, nil
}

// RejectTurn moves Opening back to Idle for pre-turn rejections.
func (m *Manager) RejectTurn(turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireState(turnID, TurnOpening); err != nil {
		return err
	}
	m.turns[turnID] = TurnIdle
	return nil
}

// CommitTurn moves Active to Terminal and appends the turn's exchange to
// conversation history. History order is finalization order, which can
// differ from the order turns were dispatched. After hangup the fence has
// already terminalized in-flight turns, so late completions land here and
// are dropped without touching history.
func (m *Manager) CommitTurn(turnID, userText, assistantText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hungup {
		return fmt.Errorf("commit turn %s: %w: %s", turnID, ErrHangup, m.hangupReason)
	}
	if err := m.requireState(turnID, TurnActive); err != nil {
		return err
	}
	m.finalizeLocked(turnID)
	if userText != "" {
		m.history = append(m.history, contracts.Message{Role: contracts.RoleUser, Text: userText})
	}
	if assistantText != "" {
		m.history = append(m.history, contracts.Message{Role: contracts.RoleAssistant, Text: assistantText})
	}
	return nil
}

// AbortTurn moves Active to Terminal without recording history. Aborting a
// turn the hangup fence already terminalized is a no-op.
func (m *Manager) AbortTurn(turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.turns[turnID]; ok && state == TurnTerminal {
		return nil
	}
	if err := m.requireState(turnID, TurnActive); err != nil {
		return err
	}
	m.finalizeLocked(turnID)
	return nil
}

// CloseTurn moves Terminal to Closed.
func (m *Manager) CloseTurn(turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireState(turnID, TurnTerminal); err != nil {
		return err
	}
	m.turns[turnID] = TurnClosed
	return nil
}

// Hangup cancels the active turn's context and fences the session: later
// proposals, opens, and commits are rejected. Opening turns fall back to
// Idle. Breaker state is owned outside sessions and stays untouched.
// Repeat calls keep the first reason.
func (m *Manager) Hangup(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hungup {
		return
	}
	m.hungup = true
	m.hangupReason = reason
	if m.activeID != "" {
		m.finalizeLocked(m.activeID)
	}
	for id, state := range m.turns {
		if state == TurnOpening {
			m.turns[id] = TurnIdle
		}
	}
}

// HungUp reports the hangup fence and its reason.
func (m *Manager) HungUp() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hungup, m.hangupReason
}

// ActiveTurn returns the currently active turn, if any.
func (m *Manager) ActiveTurn() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID, m.activeID != ""
}

// State returns the lifecycle state for a known turn.
func (m *Manager) State(turnID string) (TurnState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.turns[turnID]
	return state, ok
}

// History returns a copy of the conversation so far, oldest first.
func (m *Manager) History() []contracts.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]contracts.Message, len(m.history))
	copy(out, m.history)
	return out
}

// finalizeLocked cancels and forgets the turn's context and clears the
// active slot. Callers hold m.mu.
func (m *Manager) finalizeLocked(turnID string) {
	if cancel, ok := m.cancels[turnID]; ok {
		cancel()
		delete(m.cancels, turnID)
	}
	m.turns[turnID] = TurnTerminal
	if m.activeID == turnID {
		m.activeID = ""
	}
}

func (m *Manager) requireState(turnID string, expected TurnState) error {
	if turnID == "" {
		return fmt.Errorf("turn id is required")
	}
	state, ok := m.turns[turnID]
	if !ok {
		return fmt.Errorf("turn %s is unknown", turnID)
	}
	if state != expected {
		return fmt.Errorf("turn %s expected state %s, got %s", turnID, expected, state)
	}
	return nil
}
