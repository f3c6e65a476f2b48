package resilience

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/routing/catalog"
)

// fastPolicy keeps test pauses in the low milliseconds and deterministic.
func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         8,
		InitialInterval:     time.Millisecond,
		MaxInterval:         2 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0,
	}
}

func newTestExecutor(t *testing.T, policy RetryPolicy, breakers *BreakerSet, observer func(Attempt)) *Executor {
	t.Helper()
	if breakers == nil {
		breakers = NewBreakerSet(BreakerConfig{RecoveryWindow: time.Minute}, nil)
	}
	e, err := NewExecutor(ExecutorConfig{Breakers: breakers, Retry: policy, Observer: observer})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return e
}

// scripted returns a call that replays per-target error queues and records
// the visit order. Targets without a script succeed.
func scripted(responses map[string][]error) (func(context.Context, Target) error, *[]Target) {
	visited := &[]Target{}
	remaining := make(map[string][]error, len(responses))
	for key, errs := range responses {
		remaining[key] = append([]error(nil), errs...)
	}
	call := func(_ context.Context, target Target) error {
		*visited = append(*visited, target)
		key := target.Model + "/" + target.Region
		queue := remaining[key]
		if len(queue) == 0 {
			return nil
		}
		remaining[key] = queue[1:]
		return queue[0]
	}
	return call, visited
}

func unavailable(model string) error {
	return contracts.NewFailure(contracts.FailureServiceUnavailable, "bedrock", model, "scripted outage")
}

func timedOut(model string) error {
	return contracts.NewFailure(contracts.FailureTimeout, "bedrock", model, "scripted timeout")
}

func rateLimited(model string, backoffMS int64) error {
	f := contracts.NewFailure(contracts.FailureRateLimited, "bedrock", model, "scripted throttle")
	f.BackoffMS = backoffMS
	return f
}

func TestExecuteFirstTargetSucceeds(t *testing.T) {
	t.Parallel()

	var attempts []Attempt
	e := newTestExecutor(t, fastPolicy(), nil, func(a Attempt) { attempts = append(attempts, a) })
	call, visited := scripted(nil)

	targets := []Target{{Model: "a", Region: "us-east-1"}, {Model: "a", Region: "us-west-2"}}
	got, err := e.Execute(context.Background(), targets, call)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != targets[0] {
		t.Fatalf("served by %+v, want %+v", got, targets[0])
	}
	if len(*visited) != 1 {
		t.Fatalf("visited = %+v, want one call", *visited)
	}
	if len(attempts) != 1 || attempts[0].Err != nil || attempts[0].Number != 1 {
		t.Fatalf("attempts = %+v, want one clean attempt", attempts)
	}
}

func TestExecuteServiceUnavailableAdvancesRegionThenModel(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, fastPolicy(), nil, nil)
	call, visited := scripted(map[string][]error{
		"a/us-east-1": {unavailable("a")},
		"a/us-west-2": {unavailable("a")},
	})
	targets := []Target{
		{Model: "a", Region: "us-east-1"},
		{Model: "a", Region: "us-west-2"},
		{Model: "b", Region: "us-east-1"},
	}
	got, err := e.Execute(context.Background(), targets, call)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != targets[2] {
		t.Fatalf("served by %+v, want %+v", got, targets[2])
	}
	if !reflect.DeepEqual(*visited, targets) {
		t.Fatalf("visited = %+v, want every region before the next model", *visited)
	}
}

func TestExecuteTimeoutSkipsRemainingRegions(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, fastPolicy(), nil, nil)
	call, visited := scripted(map[string][]error{
		"a/us-east-1": {timedOut("a")},
	})
	targets := []Target{
		{Model: "a", Region: "us-east-1"},
		{Model: "a", Region: "us-west-2"},
		{Model: "b", Region: "us-east-1"},
	}
	got, err := e.Execute(context.Background(), targets, call)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != targets[2] {
		t.Fatalf("served by %+v, want the next model", got)
	}
	want := []Target{targets[0], targets[2]}
	if !reflect.DeepEqual(*visited, want) {
		t.Fatalf("visited = %+v, want %+v (timeout skips the model's other regions)", *visited, want)
	}
}

func TestExecuteRateLimitHonorsBackoffHint(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, fastPolicy(), nil, nil)
	call, _ := scripted(map[string][]error{
		"a/us-east-1": {rateLimited("a", 50)},
	})
	targets := []Target{
		{Model: "a", Region: "us-east-1"},
		{Model: "b", Region: "us-east-1"},
	}
	start := time.Now()
	got, err := e.Execute(context.Background(), targets, call)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != targets[1] {
		t.Fatalf("served by %+v, want %+v", got, targets[1])
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("elapsed = %v, want at least the provider's 50ms retry-after hint", elapsed)
	}
}

func TestExecuteRequestInvalidAborts(t *testing.T) {
	t.Parallel()

	breakers := NewBreakerSet(BreakerConfig{RecoveryWindow: time.Minute}, nil)
	e := newTestExecutor(t, fastPolicy(), breakers, nil)
	call, visited := scripted(map[string][]error{
		"a/us-east-1": {contracts.NewFailure(contracts.FailureRequestInvalid, "bedrock", "a", "bad payload")},
	})
	targets := []Target{
		{Model: "a", Region: "us-east-1"},
		{Model: "b", Region: "us-east-1"},
	}
	_, err := e.Execute(context.Background(), targets, call)
	f, ok := contracts.AsFailure(err)
	if !ok || f.Class != contracts.FailureRequestInvalid {
		t.Fatalf("err = %v, want request_invalid surfaced unchanged", err)
	}
	if len(*visited) != 1 {
		t.Fatalf("visited = %+v, builder bugs must not walk the chain", *visited)
	}
	if got := breakers.State("a"); got != gobreaker.StateClosed {
		t.Fatalf("breaker state = %v, want closed: request bugs do not count against the target", got)
	}
}

func TestExecuteCircuitOpenSkipsModelWithoutNetwork(t *testing.T) {
	t.Parallel()

	breakers := NewBreakerSet(BreakerConfig{RecoveryWindow: time.Minute}, nil)
	for i := 0; i < 5; i++ {
		_ = breakers.Do("a", func() error { return unavailable("a") })
	}

	var attempts []Attempt
	e := newTestExecutor(t, fastPolicy(), breakers, func(a Attempt) { attempts = append(attempts, a) })
	call, visited := scripted(nil)
	targets := []Target{
		{Model: "a", Region: "us-east-1"},
		{Model: "a", Region: "us-west-2"},
		{Model: "b", Region: "us-east-1"},
	}
	got, err := e.Execute(context.Background(), targets, call)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != targets[2] {
		t.Fatalf("served by %+v, want %+v", got, targets[2])
	}
	want := []Target{targets[2]}
	if !reflect.DeepEqual(*visited, want) {
		t.Fatalf("visited = %+v, want %+v (open breaker never reaches the network)", *visited, want)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %+v, want the rejection and the success recorded", attempts)
	}
	f, ok := contracts.AsFailure(attempts[0].Err)
	if !ok || f.Class != contracts.FailureCircuitOpen {
		t.Fatalf("first attempt err = %v, want circuit_open", attempts[0].Err)
	}
}

func TestExecuteChainExhausted(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, fastPolicy(), nil, nil)
	call, _ := scripted(map[string][]error{
		"a/us-east-1": {unavailable("a")},
		"b/us-east-1": {unavailable("b")},
	})
	targets := []Target{
		{Model: "a", Region: "us-east-1"},
		{Model: "b", Region: "us-east-1"},
	}
	_, err := e.Execute(context.Background(), targets, call)
	if err == nil {
		t.Fatal("expected an error once every target failed")
	}
	if !strings.Contains(err.Error(), "exhausted") {
		t.Fatalf("err = %v, want chain exhaustion", err)
	}
	f, ok := contracts.AsFailure(err)
	if !ok || f.Class != contracts.FailureServiceUnavailable {
		t.Fatalf("err = %v, want the last failure wrapped", err)
	}
}

func TestExecuteAttemptBudget(t *testing.T) {
	t.Parallel()

	policy := fastPolicy()
	policy.MaxAttempts = 2
	e := newTestExecutor(t, policy, nil, nil)
	call, visited := scripted(map[string][]error{
		"a/us-east-1": {unavailable("a")},
		"b/us-east-1": {unavailable("b")},
		"c/us-east-1": {unavailable("c")},
	})
	targets := []Target{
		{Model: "a", Region: "us-east-1"},
		{Model: "b", Region: "us-east-1"},
		{Model: "c", Region: "us-east-1"},
	}
	_, err := e.Execute(context.Background(), targets, call)
	if err == nil {
		t.Fatal("expected exhaustion")
	}
	if len(*visited) != 2 {
		t.Fatalf("visited = %+v, want the attempt budget respected", *visited)
	}
}

func TestExecuteCancellationAborts(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, fastPolicy(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	call := func(ctx context.Context, _ Target) error {
		calls++
		cancel()
		return ctx.Err()
	}
	targets := []Target{
		{Model: "a", Region: "us-east-1"},
		{Model: "b", Region: "us-east-1"},
	}
	_, err := e.Execute(ctx, targets, call)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, hangup must stop the chain", calls)
	}
}

func TestExecuteNoTargets(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, fastPolicy(), nil, nil)
	if _, err := e.Execute(context.Background(), nil, func(context.Context, Target) error { return nil }); err == nil {
		t.Fatal("expected an error for an empty chain")
	}
}

func TestChainBuildsModelByRegionTargets(t *testing.T) {
	t.Parallel()

	targets, err := Chain(catalog.Default(), "anthropic.claude-3-7-sonnet-20250219-v1:0", "us-west-2")
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	want := []Target{
		{Model: "anthropic.claude-3-7-sonnet-20250219-v1:0", Region: "us-west-2"},
		{Model: "anthropic.claude-3-7-sonnet-20250219-v1:0", Region: "us-east-1"},
		{Model: "anthropic.claude-3-5-sonnet-20241022-v2:0", Region: "us-west-2"},
		{Model: "anthropic.claude-3-5-sonnet-20241022-v2:0", Region: "us-east-1"},
		{Model: "anthropic.claude-3-5-sonnet-20241022-v2:0", Region: "eu-west-1"},
		{Model: "anthropic.claude-3-5-haiku-20241022-v1:0", Region: "us-west-2"},
		{Model: "anthropic.claude-3-5-haiku-20241022-v1:0", Region: "us-east-1"},
		{Model: "amazon.nova-lite-v1:0", Region: "us-west-2"},
		{Model: "amazon.nova-lite-v1:0", Region: "us-east-1"},
		{Model: "amazon.nova-lite-v1:0", Region: "eu-west-1"},
		{Model: "amazon.titan-text-lite-v1", Region: "us-east-1"},
	}
	if !reflect.DeepEqual(targets, want) {
		t.Fatalf("targets = %+v\nwant %+v", targets, want)
	}
}

func TestChainUnknownModel(t *testing.T) {
	t.Parallel()

	if _, err := Chain(catalog.Default(), "amazon.nova-ultra-v9:0", "us-east-1"); err == nil {
		t.Fatal("expected an error for an unknown model")
	}
}

func TestExecuteHaltSurfacesWithoutFallback(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, fastPolicy(), nil, nil)
	targets := []Target{{Model: "m-a", Region: "r1"}, {Model: "m-b", Region: "r1"}}
	visited := 0
	_, err := e.Execute(context.Background(), targets, func(_ context.Context, target Target) error {
		visited++
		return fmt.Errorf("%w: %w", ErrHalt, unavailable(target.Model))
	})
	if visited != 1 {
		t.Fatalf("expected halt to stop after one target, visited %d", visited)
	}
	if !errors.Is(err, ErrHalt) {
		t.Fatalf("expected halt error, got %v", err)
	}
	failure, ok := contracts.AsFailure(err)
	if !ok || failure.Class != contracts.FailureServiceUnavailable {
		t.Fatalf("expected the wrapped failure to stay classified, got %v", err)
	}
}

func TestExecuteSegmentationAbortsChain(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, fastPolicy(), nil, nil)
	targets := []Target{{Model: "m-a", Region: "r1"}, {Model: "m-b", Region: "r1"}}
	visited := 0
	_, err := e.Execute(context.Background(), targets, func(context.Context, Target) error {
		visited++
		return contracts.NewFailure(contracts.FailureSegmentation, "anthropic", "m-a", "malformed stream event")
	})
	if visited != 1 {
		t.Fatalf("expected segmentation to abort after one target, visited %d", visited)
	}
	failure, ok := contracts.AsFailure(err)
	if !ok || failure.Class != contracts.FailureSegmentation {
		t.Fatalf("expected segmentation failure, got %v", err)
	}
}
