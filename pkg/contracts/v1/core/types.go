// Package core re-exports the v1 public contract surface so external
// consumers depend on one import path while the wire packages evolve
// underneath.
package core

import (
	ts "github.com/tiger/voice-turn-pipeline/api/turnstream"
)

// Turn stream wire contracts.
type Event = ts.Event
type EventKind = ts.EventKind
type Status = ts.Status
type FailureClass = ts.FailureClass

// SchemaVersion is the wire schema stamped on every emitted event.
const SchemaVersion = ts.SchemaVersion

// Event kinds.
const (
	KindSentence = ts.KindSentence
	KindAudio    = ts.KindAudio
	KindStatus   = ts.KindStatus
	KindError    = ts.KindError
)

// Status values.
const (
	StatusTurnStarted   = ts.StatusTurnStarted
	StatusTurnCompleted = ts.StatusTurnCompleted
	StatusTurnDegraded  = ts.StatusTurnDegraded
	StatusSessionClosed = ts.StatusSessionClosed
)

// Failure classes.
const (
	FailureRateLimited        = ts.FailureRateLimited
	FailureServiceUnavailable = ts.FailureServiceUnavailable
	FailureRequestInvalid     = ts.FailureRequestInvalid
	FailureTimeout            = ts.FailureTimeout
	FailureCircuitOpen        = ts.FailureCircuitOpen
	FailureSegmentation       = ts.FailureSegmentation
)
