package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
)

const (
	// DefaultFailureThreshold opens a breaker after this many consecutive
	// failures against one target.
	DefaultFailureThreshold = 5
	// DefaultRecoveryWindow is how long an open breaker waits before
	// permitting one half-open trial call.
	DefaultRecoveryWindow = 30 * time.Second
)

// BreakerConfig tunes the per-target circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32
	RecoveryWindow   time.Duration
}

// BreakerSet keeps one circuit breaker per external-call target: a model
// identifier or a synthesis endpoint. Breakers are created lazily. The set
// is injected wherever calls leave the process so tests can swap it per
// call-session harness instead of sharing process-wide state.
type BreakerSet struct {
	threshold uint32
	recovery  time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerSet builds a breaker set, filling zero config fields with the
// standard threshold and recovery window.
func NewBreakerSet(cfg BreakerConfig, log *zap.Logger) *BreakerSet {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = DefaultRecoveryWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BreakerSet{
		threshold: cfg.FailureThreshold,
		recovery:  cfg.RecoveryWindow,
		log:       log,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Do runs call through the target's breaker. A rejected call surfaces as a
// circuit_open failure without any network attempt having been made.
func (s *BreakerSet) Do(target string, call func() error) error {
	_, err := s.breakerFor(target).Execute(func() (interface{}, error) {
		return nil, call()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &contracts.Failure{
			Class:  contracts.FailureCircuitOpen,
			Model:  target,
			Reason: "breaker open",
			Err:    err,
		}
	}
	return err
}

// State reports the target's current breaker state.
func (s *BreakerSet) State(target string) gobreaker.State {
	return s.breakerFor(target).State()
}

func (s *BreakerSet) breakerFor(target string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[target]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(s.settings(target))
		s.breakers[target] = cb
	}
	return cb
}

func (s *BreakerSet) settings(target string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Timeout:     s.recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.threshold
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Info("breaker state change",
				zap.String("target", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
}

// breakerSuccess keeps hangups and request bugs out of breaker accounting:
// neither says anything about the target's health.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if f, ok := contracts.AsFailure(err); ok && f.Class == contracts.FailureRequestInvalid {
		return true
	}
	return false
}
