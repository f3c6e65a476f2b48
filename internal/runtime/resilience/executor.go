package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/routing/catalog"
)

// ErrHalt marks a failure that must end the chain walk immediately whatever
// its class. Callers wrap it when an attempt has already streamed output
// downstream and a retry against another target would duplicate it.
var ErrHalt = errors.New("fallback chain halted")

// RetryPolicy shapes the pause between fallback attempts and caps how many
// network attempts one logical call may spend.
type RetryPolicy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryPolicy returns the standard policy for voice turns: short
// initial pauses, bounded growth, and a hard attempt ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         8,
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.25,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier <= 1 {
		p.Multiplier = def.Multiplier
	}
	if p.RandomizationFactor < 0 {
		p.RandomizationFactor = def.RandomizationFactor
	}
	return p
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.RandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Target is one (model, region) pairing the executor may call. Synthesis
// chains carry the endpoint identifier in Model.
type Target struct {
	Model  string
	Region string
}

// Attempt records one executed or breaker-rejected call.
type Attempt struct {
	Target  Target
	Number  int
	Elapsed time.Duration
	Err     error
}

// ExecutorConfig assembles an Executor.
type ExecutorConfig struct {
	Breakers *BreakerSet
	Retry    RetryPolicy
	Log      *zap.Logger
	// Observer receives every attempt, including breaker rejections.
	// It must not block.
	Observer func(Attempt)
}

// Executor walks a statically-ordered fallback chain until one target
// succeeds. Failure classes steer the walk: rate limits and unavailable
// services pause with exponential backoff and jitter before the next
// target, timeouts and open breakers skip the failing model's remaining
// regions immediately, and invalid requests abort the chain.
type Executor struct {
	breakers *BreakerSet
	retry    RetryPolicy
	log      *zap.Logger
	observer func(Attempt)
}

// NewExecutor validates the configuration and returns an Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Breakers == nil {
		return nil, fmt.Errorf("breaker set is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Executor{
		breakers: cfg.Breakers,
		retry:    cfg.Retry.withDefaults(),
		log:      cfg.Log,
		observer: cfg.Observer,
	}, nil
}

// Execute calls targets in order until one succeeds, returning the target
// that served the call. Breaker rejections do not consume attempt budget;
// they never reach the network. An error wrapping ErrHalt ends the walk
// at once, surfacing the wrapped failure.
func (e *Executor) Execute(ctx context.Context, targets []Target, call func(context.Context, Target) error) (Target, error) {
	if len(targets) == 0 {
		return Target{}, fmt.Errorf("no call targets")
	}
	bo := e.retry.newBackOff()
	var lastErr error
	attempts := 0
	seq := 0
	for i := 0; i < len(targets); {
		if attempts >= e.retry.MaxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return Target{}, err
		}
		target := targets[i]
		seq++
		start := time.Now()
		err := e.breakers.Do(target.Model, func() error { return call(ctx, target) })
		e.observe(Attempt{Target: target, Number: seq, Elapsed: time.Since(start), Err: err})
		if err == nil {
			return target, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Target{}, ctx.Err()
		}
		if errors.Is(err, ErrHalt) {
			e.log.Warn("chain halted mid-stream, surfacing without fallback",
				zap.String("model", target.Model),
				zap.String("region", target.Region),
				zap.Error(err))
			return Target{}, err
		}
		failure, ok := contracts.AsFailure(err)
		if !ok {
			failure = &contracts.Failure{
				Class:  contracts.FailureServiceUnavailable,
				Model:  target.Model,
				Reason: "unclassified failure",
				Err:    err,
			}
		}
		if failure.Class != contracts.FailureCircuitOpen {
			attempts++
		}
		switch failure.Class {
		case contracts.FailureRequestInvalid:
			e.log.Error("request rejected as invalid, surfacing without retry",
				zap.String("model", target.Model),
				zap.String("region", target.Region),
				zap.Error(err))
			return Target{}, err
		case contracts.FailureSegmentation:
			e.log.Error("stream data malformed, aborting the turn",
				zap.String("model", target.Model),
				zap.String("region", target.Region),
				zap.Error(err))
			return Target{}, err
		case contracts.FailureTimeout:
			e.log.Warn("target timed out, moving to next model",
				zap.String("model", target.Model),
				zap.String("region", target.Region))
			i = nextModelIndex(targets, i)
		case contracts.FailureCircuitOpen:
			i = nextModelIndex(targets, i)
		case contracts.FailureRateLimited:
			i++
			if i < len(targets) && attempts < e.retry.MaxAttempts {
				if err := e.pause(ctx, bo, failure.BackoffMS); err != nil {
					return Target{}, err
				}
			}
		default:
			i++
			if i < len(targets) && attempts < e.retry.MaxAttempts {
				if err := e.pause(ctx, bo, 0); err != nil {
					return Target{}, err
				}
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("attempt budget spent before any call")
	}
	return Target{}, fmt.Errorf("fallback chain exhausted: %w", lastErr)
}

func (e *Executor) observe(a Attempt) {
	if e.observer != nil {
		e.observer(a)
	}
}

// pause sleeps for the next backoff interval, raised to the provider's
// retry-after hint when one was given.
func (e *Executor) pause(ctx context.Context, bo *backoff.ExponentialBackOff, hintMS int64) error {
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		delay = e.retry.MaxInterval
	}
	if hint := time.Duration(hintMS) * time.Millisecond; hint > delay {
		delay = hint
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// nextModelIndex skips the remaining regions of the model at index i.
func nextModelIndex(targets []Target, i int) int {
	model := targets[i].Model
	for i < len(targets) && targets[i].Model == model {
		i++
	}
	return i
}

// Chain flattens the catalog's degradation order from the selected model
// into call targets. Each model tries the turn's region first when it
// serves it, then the shared region fallback order, then any remaining
// region it declares.
func Chain(cat *catalog.Catalog, modelID, preferredRegion string) ([]Target, error) {
	models, err := cat.FallbackFrom(modelID)
	if err != nil {
		return nil, err
	}
	fallback := cat.RegionFallback()
	var targets []Target
	for _, model := range models {
		for _, region := range orderedRegions(model, preferredRegion, fallback) {
			targets = append(targets, Target{Model: model.ID, Region: region})
		}
	}
	return targets, nil
}

func orderedRegions(m catalog.Model, preferred string, fallback []string) []string {
	serves := make(map[string]bool, len(m.Regions))
	for _, region := range m.Regions {
		serves[region] = true
	}
	seen := make(map[string]bool, len(m.Regions))
	out := make([]string, 0, len(m.Regions))
	add := func(region string) {
		if serves[region] && !seen[region] {
			seen[region] = true
			out = append(out, region)
		}
	}
	add(preferred)
	for _, region := range fallback {
		add(region)
	}
	for _, region := range m.Regions {
		add(region)
	}
	return out
}
