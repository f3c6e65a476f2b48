package integration

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/registry"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/resilience"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/routing/catalog"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/turn/dispatch"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/turn/pipeline"
)

// memorySink records delivered chunks in arrival order.
type memorySink struct {
	mu     sync.Mutex
	chunks []dispatch.Chunk
}

func (s *memorySink) Play(_ context.Context, chunk dispatch.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *memorySink) all() []dispatch.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dispatch.Chunk(nil), s.chunks...)
}

// funcGenerator adapts a closure to the generator contract.
type funcGenerator struct {
	id string
	fn func(ctx context.Context, req contracts.GenerationRequest, emit func(contracts.TextDelta) error) (contracts.GenerationResult, error)
}

func (g funcGenerator) ProviderID() string { return g.id }

func (g funcGenerator) Stream(ctx context.Context, req contracts.GenerationRequest, emit func(contracts.TextDelta) error) (contracts.GenerationResult, error) {
	return g.fn(ctx, req, emit)
}

// delaySynthesizer completes selected texts late so later segments finish
// synthesis first.
type delaySynthesizer struct {
	inner contracts.SpeechSynthesizer
	delay map[string]time.Duration
}

func (s delaySynthesizer) ProviderID() string { return s.inner.ProviderID() }

func (s delaySynthesizer) Synthesize(ctx context.Context, req contracts.SpeechRequest) (contracts.SpeechResult, error) {
	if d, ok := s.delay[req.Text]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return contracts.SpeechResult{}, ctx.Err()
		}
	}
	return s.inner.Synthesize(ctx, req)
}

func newPipeline(t *testing.T, gen contracts.Generator, synth contracts.SpeechSynthesizer, breakers *resilience.BreakerSet, retry resilience.RetryPolicy) *pipeline.Pipeline {
	t.Helper()
	reg, err := registry.New([]contracts.Generator{gen}, []contracts.SpeechSynthesizer{synth})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	p, err := pipeline.New(pipeline.Config{
		Catalog:  catalog.Default(),
		Registry: reg,
		Breakers: breakers,
		Retry:    retry,
		Log:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	return p
}

func fastRetry() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestShortUtteranceTakesTheFastLane(t *testing.T) {
	t.Parallel()

	gen := contracts.StaticGenerator{
		ID:     "bedrock",
		Deltas: []string{"We are ", "open until nine. ", "Anything else?"},
		Result: contracts.GenerationResult{OutputTokens: 12},
	}
	p := newPipeline(t, gen, contracts.StaticSynthesizer{ID: "bedrock"}, nil, fastRetry())

	sink := &memorySink{}
	res, err := p.RunTurn(context.Background(), pipeline.TurnInput{
		SessionID:       "sess-it-1",
		TurnID:          "turn-it-1",
		Transcript:      "what are your hours on weekends please tell me",
		LatencyBudgetMS: 120,
		Sink:            sink,
	})
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}

	// Nine plain words score 9/50 * 0.3 and land in the snappy lane.
	if res.Decision.Tier != catalog.TierFastest {
		t.Fatalf("expected fastest tier, got %q via rule %q", res.Decision.Tier, res.Decision.Rule)
	}
	if res.Decision.ModelID != "amazon.nova-micro-v1:0" {
		t.Fatalf("unexpected model %q", res.Decision.ModelID)
	}
	if res.Decision.ReasoningBudgetTokens != 0 {
		t.Fatalf("fast lane must not grant a reasoning budget, got %d", res.Decision.ReasoningBudgetTokens)
	}
	if res.Decision.Region != "us-east-1" {
		t.Fatalf("unexpected region %q", res.Decision.Region)
	}
	if res.Err != nil {
		t.Fatalf("unexpected degradation: %v", res.Err)
	}
	if res.Transcript != "We are open until nine. Anything else?" {
		t.Fatalf("unexpected transcript %q", res.Transcript)
	}
	if got := len(sink.all()); got != res.Report.Delivered || got == 0 {
		t.Fatalf("sink saw %d chunks, report says %d", got, res.Report.Delivered)
	}
}

func TestAudioDeliveredInSequenceOrderDespiteSlowSynthesis(t *testing.T) {
	t.Parallel()

	gen := contracts.StaticGenerator{
		ID:     "bedrock",
		Deltas: []string{"Hello", " world. ", "How are you? ", "Fine"},
	}
	synth := delaySynthesizer{
		inner: contracts.StaticSynthesizer{ID: "bedrock", Format: "mp3"},
		delay: map[string]time.Duration{"Hello world.": 40 * time.Millisecond},
	}
	p := newPipeline(t, gen, synth, nil, fastRetry())

	sink := &memorySink{}
	res, err := p.RunTurn(context.Background(), pipeline.TurnInput{
		SessionID:  "sess-it-2",
		TurnID:     "turn-it-2",
		Transcript: "hello there",
		Sink:       sink,
	})
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Sentences != 3 {
		t.Fatalf("expected three segments, got %d", res.Sentences)
	}

	chunks := sink.all()
	if len(chunks) != 3 {
		t.Fatalf("expected three chunks, got %d", len(chunks))
	}
	wantTexts := []string{"Hello world.", " How are you?", " Fine"}
	for i, chunk := range chunks {
		if chunk.Seq != i+1 {
			t.Fatalf("chunk %d carries seq %d: %+v", i, chunk.Seq, chunks)
		}
		if chunk.Text != wantTexts[i] {
			t.Fatalf("chunk %d text %q, want %q", i, chunk.Text, wantTexts[i])
		}
		if string(chunk.Audio) != "audio:"+wantTexts[i] {
			t.Fatalf("chunk %d audio mismatch: %q", i, chunk.Audio)
		}
	}
}

func TestLatencyMilestonesTrackTheStream(t *testing.T) {
	t.Parallel()

	gen := funcGenerator{id: "bedrock", fn: func(ctx context.Context, req contracts.GenerationRequest, emit func(contracts.TextDelta) error) (contracts.GenerationResult, error) {
		time.Sleep(15 * time.Millisecond)
		if err := emit(contracts.TextDelta{Text: "Sure thing. "}); err != nil {
			return contracts.GenerationResult{}, err
		}
		if err := emit(contracts.TextDelta{Text: "Done now."}); err != nil {
			return contracts.GenerationResult{}, err
		}
		return contracts.GenerationResult{Model: req.Model}, nil
	}}
	p := newPipeline(t, gen, contracts.StaticSynthesizer{ID: "bedrock"}, nil, fastRetry())

	sink := &memorySink{}
	res, err := p.RunTurn(context.Background(), pipeline.TurnInput{
		SessionID:  "sess-it-3",
		TurnID:     "turn-it-3",
		Transcript: "hello",
		Sink:       sink,
	})
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}

	if res.Latency.FirstTokenMS < 10 {
		t.Fatalf("first token should reflect the stream delay, got %dms", res.Latency.FirstTokenMS)
	}
	if res.Latency.FirstSentenceMS < res.Latency.FirstTokenMS {
		t.Fatalf("first sentence (%dms) cannot precede first token (%dms)",
			res.Latency.FirstSentenceMS, res.Latency.FirstTokenMS)
	}
	if res.Latency.FirstAudioMS < res.Latency.FirstSentenceMS {
		t.Fatalf("first audio (%dms) cannot precede first sentence (%dms)",
			res.Latency.FirstAudioMS, res.Latency.FirstSentenceMS)
	}
	if res.Latency.TotalMS < res.Latency.FirstAudioMS {
		t.Fatalf("total (%dms) cannot precede first audio (%dms)",
			res.Latency.TotalMS, res.Latency.FirstAudioMS)
	}
	if res.Latency.SelectionUS < 0 {
		t.Fatalf("selection timing missing: %d", res.Latency.SelectionUS)
	}
}

func TestMidStreamFailureKeepsSpokenSentences(t *testing.T) {
	t.Parallel()

	gen := contracts.StaticGenerator{
		ID:     "bedrock",
		Deltas: []string{"First part done. ", "And then"},
		Failure: &contracts.Failure{
			Class:  contracts.FailureServiceUnavailable,
			Model:  "amazon.nova-micro-v1:0",
			Reason: "stream cut mid-reply",
		},
	}
	p := newPipeline(t, gen, contracts.StaticSynthesizer{ID: "bedrock"}, nil, fastRetry())

	sink := &memorySink{}
	res, err := p.RunTurn(context.Background(), pipeline.TurnInput{
		SessionID:       "sess-it-4",
		TurnID:          "turn-it-4",
		Transcript:      "hello",
		LatencyBudgetMS: 120,
		Sink:            sink,
	})
	if err != nil {
		t.Fatalf("partially spoken turn must not error: %v", err)
	}
	if res.Err == nil || res.Err.Class != contracts.FailureServiceUnavailable {
		t.Fatalf("expected degradation to be reported, got %+v", res.Err)
	}
	chunks := sink.all()
	if len(chunks) != 1 || chunks[0].Text != "First part done." {
		t.Fatalf("the completed sentence should still have played: %+v", chunks)
	}
	for _, chunk := range chunks {
		if chunk.Fallback {
			t.Fatalf("no fallback phrase expected after partial delivery: %+v", chunk)
		}
	}
}

func TestRejectedRequestSpeaksApologyPhrase(t *testing.T) {
	t.Parallel()

	gen := contracts.StaticGenerator{
		ID: "bedrock",
		Failure: &contracts.Failure{
			Class:  contracts.FailureRequestInvalid,
			Model:  "amazon.nova-micro-v1:0",
			Reason: "prompt rejected",
		},
	}
	p := newPipeline(t, gen, contracts.StaticSynthesizer{ID: "bedrock"}, nil, fastRetry())

	sink := &memorySink{}
	res, err := p.RunTurn(context.Background(), pipeline.TurnInput{
		SessionID:  "sess-it-5",
		TurnID:     "turn-it-5",
		Transcript: "hello",
		Sink:       sink,
	})
	if err != nil {
		t.Fatalf("turn with spoken apology must not error: %v", err)
	}
	if res.Err == nil || res.Err.Class != contracts.FailureRequestInvalid {
		t.Fatalf("expected request_invalid degradation, got %+v", res.Err)
	}
	chunks := sink.all()
	if len(chunks) != 1 || chunks[0].Text != dispatch.FallbackPhrase {
		t.Fatalf("expected the apology phrase, got %+v", chunks)
	}
}

func TestHangupCancelsTheTurnWithoutPenalizingTheModel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	gen := funcGenerator{id: "bedrock", fn: func(cctx context.Context, req contracts.GenerationRequest, emit func(contracts.TextDelta) error) (contracts.GenerationResult, error) {
		if err := emit(contracts.TextDelta{Text: "Let me check. "}); err != nil {
			return contracts.GenerationResult{}, err
		}
		cancel()
		<-cctx.Done()
		return contracts.GenerationResult{}, cctx.Err()
	}}
	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{FailureThreshold: 1}, nil)
	p := newPipeline(t, gen, contracts.StaticSynthesizer{ID: "bedrock"}, breakers, fastRetry())

	_, err := p.RunTurn(ctx, pipeline.TurnInput{
		SessionID:  "sess-it-6",
		TurnID:     "turn-it-6",
		Transcript: "hello",
		Sink:       &memorySink{},
	})
	if err == nil {
		t.Fatalf("cancelled turn must surface the cancellation")
	}

	// A caller hangup says nothing about model health; one more failure
	// would trip this threshold-1 breaker if the hangup had counted.
	if err := breakers.Do("amazon.nova-micro-v1:0", func() error { return nil }); err != nil {
		t.Fatalf("breaker tripped by a hangup: %v", err)
	}
}

func TestDeepQuestionRoutesToMostCapableModel(t *testing.T) {
	t.Parallel()

	transcript := strings.TrimSpace(strings.Repeat(
		"please analyze and compare step by step how much the plans differ and debug the billing issue ", 5))
	gen := contracts.StaticGenerator{ID: "bedrock", Deltas: []string{"Let me walk through it."}}
	p := newPipeline(t, gen, contracts.StaticSynthesizer{ID: "bedrock"}, nil, fastRetry())

	sink := &memorySink{}
	res, err := p.RunTurn(context.Background(), pipeline.TurnInput{
		SessionID:  "sess-it-7",
		TurnID:     "turn-it-7",
		Transcript: transcript,
		History: []contracts.Message{
			{Role: contracts.RoleUser, Text: "my last invoice looks wrong"},
			{Role: contracts.RoleAssistant, Text: "Happy to take a look."},
		},
		LatencyBudgetMS: 2000,
		Sink:            sink,
	})
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Decision.Tier != catalog.TierMostCapable {
		t.Fatalf("expected most_capable tier, got %q via rule %q", res.Decision.Tier, res.Decision.Rule)
	}
	if res.Decision.ReasoningBudgetTokens == 0 {
		t.Fatalf("expected a reasoning budget on the deep route")
	}
}
