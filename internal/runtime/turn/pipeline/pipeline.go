// Package pipeline wires one voice turn end to end: complexity scoring,
// model selection, resilient generation streaming, sentence segmentation,
// and ordered speech dispatch.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tiger/voice-turn-pipeline/internal/observability/telemetry"
	telemetrycontext "github.com/tiger/voice-turn-pipeline/internal/observability/telemetry/context"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/registry"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/resilience"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/routing/catalog"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/routing/complexity"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/routing/selector"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/turn/dispatch"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/turn/request"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/turn/segmenter"
)

// SegmentBuffer bounds the sentence channel between generation and the
// synthesis dispatcher. Generation stalls when synthesis falls this far
// behind instead of buffering a whole reply.
const SegmentBuffer = 16

// DefaultLatencyBudgetMS applies when the caller sends no budget.
const DefaultLatencyBudgetMS = 300

// DefaultVoice speaks replies when neither the turn nor the pipeline picked
// a voice.
var DefaultVoice = dispatch.Voice{ID: "Joanna", Format: "mp3"}

// Latency captures one turn's timing milestones. Millisecond fields are
// measured from turn start; SelectionUS times the routing decision alone.
type Latency struct {
	SelectionUS     int64
	FirstTokenMS    int64
	FirstSentenceMS int64
	FirstAudioMS    int64
	TotalMS         int64
}

// TurnInput carries one voice turn into the pipeline.
type TurnInput struct {
	SessionID       string
	TurnID          string
	Transcript      string
	History         []contracts.Message
	LatencyBudgetMS int
	CostSensitive   bool
	NeedsTools      bool
	Tools           []contracts.ToolSpec
	PreferredRegion string
	MaxTokens       int
	// Voice overrides the pipeline voice for this turn when set.
	Voice dispatch.Voice
	// Sink receives the turn's ordered audio.
	Sink dispatch.Sink
}

// TurnResult reports everything one turn produced. Err carries the provider
// failure that degraded the turn; audio may still have been delivered.
type TurnResult struct {
	TurnID     string
	Decision   selector.Decision
	Sentences  int
	Report     dispatch.Report
	Transcript string
	Latency    Latency
	Err        *contracts.Failure
}

// Config assembles a Pipeline.
type Config struct {
	Catalog      *catalog.Catalog
	Availability catalog.Availability
	Registry     registry.Registry
	Breakers     *resilience.BreakerSet
	Retry        resilience.RetryPolicy
	Scorer       *complexity.Scorer
	Emitter      telemetry.Emitter
	Voice        dispatch.Voice
	// SynthesizerID picks the preferred speech provider; empty takes the
	// registry's first.
	SynthesizerID        string
	MaxInFlightSynthesis int
	Log                  *zap.Logger
}

// Pipeline executes voice turns. One Pipeline serves the whole process;
// per-turn state lives on the RunTurn stack. Breaker state is shared across
// turns and sessions by design.
type Pipeline struct {
	catalog     *catalog.Catalog
	avail       catalog.Availability
	registry    registry.Registry
	breakers    *resilience.BreakerSet
	retry       resilience.RetryPolicy
	scorer      *complexity.Scorer
	emitter     telemetry.Emitter
	synth       contracts.SpeechSynthesizer
	voice       dispatch.Voice
	maxInFlight int
	log         *zap.Logger
	now         func() time.Time
}

// New validates the configuration and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.Availability == nil {
		cfg.Availability = catalog.NewStaticAvailability(cfg.Catalog)
	}
	if cfg.Breakers == nil {
		cfg.Breakers = resilience.NewBreakerSet(resilience.BreakerConfig{}, cfg.Log)
	}
	if cfg.Scorer == nil {
		scorer, err := complexity.NewScorer(complexity.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("default scorer: %w", err)
		}
		cfg.Scorer = scorer
	}
	if cfg.Emitter == nil {
		cfg.Emitter = telemetry.DefaultEmitter()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Voice == (dispatch.Voice{}) {
		cfg.Voice = DefaultVoice
	}
	synths, err := cfg.Registry.SynthesizerCandidates(cfg.SynthesizerID)
	if err != nil {
		return nil, err
	}
	if len(synths) == 0 {
		return nil, fmt.Errorf("no speech synthesizer registered")
	}
	return &Pipeline{
		catalog:     cfg.Catalog,
		avail:       cfg.Availability,
		registry:    cfg.Registry,
		breakers:    cfg.Breakers,
		retry:       cfg.Retry,
		scorer:      cfg.Scorer,
		emitter:     cfg.Emitter,
		synth:       synths[0],
		voice:       cfg.Voice,
		maxInFlight: cfg.MaxInFlightSynthesis,
		log:         cfg.Log,
		now:         time.Now,
	}, nil
}

// RunTurn executes one voice turn: score, select, build, stream, segment,
// synthesize, deliver. Provider degradation that still produced audio is
// reported in TurnResult.Err with a nil error; the returned error is
// reserved for invalid input, cancellation, sink failure, and turns that
// delivered nothing at all.
func (p *Pipeline) RunTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	start := p.now()
	res := TurnResult{TurnID: in.TurnID}

	if in.TurnID == "" {
		return res, fmt.Errorf("turn id is required")
	}
	if strings.TrimSpace(in.Transcript) == "" {
		return res, fmt.Errorf("transcript is required")
	}
	if in.Sink == nil {
		return res, fmt.Errorf("sink is required")
	}
	if in.LatencyBudgetMS <= 0 {
		in.LatencyBudgetMS = DefaultLatencyBudgetMS
	}
	if in.PreferredRegion == "" {
		if fallback := p.catalog.RegionFallback(); len(fallback) > 0 {
			in.PreferredRegion = fallback[0]
		}
	}

	correlation := telemetry.Correlation{CallID: in.SessionID, TurnID: in.TurnID}
	ctx = telemetrycontext.WithCorrelation(ctx, correlation)
	needsTools := in.NeedsTools || len(in.Tools) > 0

	// Route: pure scoring plus a pure selection, timed together but
	// reported as one microsecond figure.
	selStart := p.now()
	score := p.scorer.Score(complexity.Input{
		Transcript:       in.Transcript,
		PriorTurns:       priorTurns(in.History),
		ToolsAnticipated: needsTools,
		MultiTurn:        len(in.History) > 0,
	})
	decision, err := selector.Select(p.catalog, p.avail, selector.Input{
		Complexity:      score.Value,
		LatencyBudgetMS: in.LatencyBudgetMS,
		CostSensitive:   in.CostSensitive,
		NeedsTools:      needsTools,
		PreferredRegion: in.PreferredRegion,
	})
	if err != nil {
		return res, fmt.Errorf("model selection: %w", err)
	}
	res.Decision = decision
	res.Latency.SelectionUS = p.now().Sub(selStart).Microseconds()

	req, err := request.Build(p.catalog, request.Params{
		ModelID:               decision.ModelID,
		Region:                decision.Region,
		Transcript:            in.Transcript,
		History:               in.History,
		MaxTokens:             in.MaxTokens,
		ReasoningBudgetTokens: decision.ReasoningBudgetTokens,
		Tools:                 in.Tools,
	})
	if err != nil {
		return res, fmt.Errorf("request build: %w", err)
	}
	targets, err := resilience.Chain(p.catalog, decision.ModelID, decision.Region)
	if err != nil {
		return res, fmt.Errorf("fallback chain: %w", err)
	}

	voice := in.Voice
	if voice == (dispatch.Voice{}) {
		voice = p.voice
	}
	sink := &timingSink{inner: in.Sink, clock: p.now}
	dispatcher, err := dispatch.New(dispatch.Config{
		Synthesizer: p.synth,
		Sink:        sink,
		Voice:       voice,
		MaxInFlight: p.maxInFlight,
		Log:         p.log,
	})
	if err != nil {
		return res, fmt.Errorf("dispatcher: %w", err)
	}

	// The executor is rebuilt per turn so attempt telemetry lands on this
	// turn's correlation; breaker state underneath is shared.
	attempts := 0
	executor, err := resilience.NewExecutor(resilience.ExecutorConfig{
		Breakers: p.breakers,
		Retry:    p.retry,
		Log:      p.log,
		Observer: func(a resilience.Attempt) {
			class := "none"
			network := true
			if a.Err != nil {
				class = "unclassified"
				if f, ok := contracts.AsFailure(a.Err); ok {
					class = string(f.Class)
					network = f.Class != contracts.FailureCircuitOpen
				}
			}
			if network {
				attempts++
			}
			p.emitter.EmitMetric(telemetry.MetricProviderRTTMS, float64(a.Elapsed.Milliseconds()), "ms",
				map[string]string{
					"model":         a.Target.Model,
					"region":        a.Target.Region,
					"failure_class": class,
				}, correlation)
		},
	})
	if err != nil {
		return res, fmt.Errorf("executor: %w", err)
	}

	// Generation streams here while the dispatcher drains the channel. A
	// generation failure closes the channel without cancelling dispatch:
	// sentences already emitted still synthesize and play. The reverse
	// direction does cancel: a dead dispatcher stops draining, so the
	// generator must be torn down or its pushes would block forever.
	segments := make(chan segmenter.Segment, SegmentBuffer)
	genCtx, cancelGen := context.WithCancel(ctx)
	defer cancelGen()
	var (
		firstDelta    time.Time
		firstSentence time.Time
		pushed        int
		transcript    string
		genResult     contracts.GenerationResult
	)

	var g errgroup.Group
	var rep dispatch.Report
	var dispatchErr error
	g.Go(func() error {
		rep, dispatchErr = dispatcher.Run(ctx, segments)
		cancelGen()
		return nil
	})

	served, genErr := executor.Execute(genCtx, targets, func(cctx context.Context, target resilience.Target) error {
		model, ok := p.catalog.ByID(target.Model)
		if !ok {
			return contracts.NewFailure(contracts.FailureRequestInvalid, "", target.Model, "model missing from catalog")
		}
		generator, ok := p.registry.Generator(model.Provider)
		if !ok {
			return contracts.NewFailure(contracts.FailureServiceUnavailable, model.Provider, target.Model, "no adapter registered for provider")
		}
		cctx = telemetrycontext.WithTarget(cctx, model.Provider, target.Model, target.Region)

		attemptReq := req
		attemptReq.Model = target.Model
		attemptReq.Region = target.Region
		splitter := segmenter.New()
		var text strings.Builder

		push := func(seg segmenter.Segment) error {
			select {
			case segments <- seg:
			case <-cctx.Done():
				return cctx.Err()
			}
			pushed++
			if firstSentence.IsZero() {
				firstSentence = p.now()
			}
			return nil
		}

		result, err := generator.Stream(cctx, attemptReq, func(d contracts.TextDelta) error {
			if firstDelta.IsZero() {
				firstDelta = p.now()
			}
			text.WriteString(d.Text)
			for _, seg := range splitter.Feed(d.Text) {
				if err := push(seg); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			splitter.Abort()
			if pushed > 0 {
				// Sentences already reached synthesis; a retry against
				// another target would speak the reply twice.
				return fmt.Errorf("%w: %w", resilience.ErrHalt, err)
			}
			return err
		}
		if seg, ok := splitter.Close(); ok {
			if err := push(seg); err != nil {
				return err
			}
		}
		genResult = result
		transcript = text.String()
		return nil
	})

	// When generation failed before any sentence reached synthesis, a short
	// apologetic utterance speaks instead of silence. The buffer is empty
	// here, so the send cannot block.
	if genErr != nil && pushed == 0 && ctx.Err() == nil {
		segments <- segmenter.Segment{Seq: 1, Text: dispatch.FallbackPhrase, Kind: segmenter.KindRemainder}
	}
	close(segments)
	_ = g.Wait()

	res.Report = rep
	res.Sentences = pushed
	res.Transcript = transcript
	if !firstDelta.IsZero() {
		res.Latency.FirstTokenMS = firstDelta.Sub(start).Milliseconds()
	}
	if !firstSentence.IsZero() {
		res.Latency.FirstSentenceMS = firstSentence.Sub(start).Milliseconds()
	}
	if at, ok := sink.First(); ok {
		res.Latency.FirstAudioMS = at.Sub(start).Milliseconds()
	}
	res.Latency.TotalMS = p.now().Sub(start).Milliseconds()

	if genErr != nil && ctx.Err() == nil {
		if failure, ok := contracts.AsFailure(genErr); ok {
			res.Err = failure
		} else if dispatchErr == nil {
			// Unclassified and not a dispatch teardown: treat as the
			// provider being unavailable.
			res.Err = &contracts.Failure{
				Class:  contracts.FailureServiceUnavailable,
				Reason: "generation failed",
				Err:    genErr,
			}
		}
	}

	p.emitTurnMetrics(correlation, &res, genResult, served, attempts)

	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()
	case dispatchErr != nil:
		return res, fmt.Errorf("dispatch: %w", dispatchErr)
	case res.Err != nil && rep.Delivered == 0 && !rep.FallbackDelivered:
		// Nothing reached the caller: propagate the terminal failure so the
		// session owner is never left hanging.
		return res, res.Err
	default:
		return res, nil
	}
}

func (p *Pipeline) emitTurnMetrics(correlation telemetry.Correlation, res *TurnResult, genResult contracts.GenerationResult, served resilience.Target, attempts int) {
	attrs := map[string]string{
		"model":  res.Decision.ModelID,
		"region": res.Decision.Region,
		"tier":   string(res.Decision.Tier),
		"rule":   res.Decision.Rule,
	}
	if served.Model != "" && served.Model != res.Decision.ModelID {
		attrs["served_by"] = served.Model
	}
	if res.Err != nil {
		attrs["failure_class"] = string(res.Err.Class)
	}

	p.emitter.EmitMetric(telemetry.MetricTurnLatencyMS, float64(res.Latency.TotalMS), "ms", attrs, correlation)
	p.emitter.EmitMetric(telemetry.MetricAttempts, float64(attempts), "count", attrs, correlation)
	if res.Latency.FirstTokenMS > 0 {
		p.emitter.EmitMetric(telemetry.MetricFirstTokenMS, float64(res.Latency.FirstTokenMS), "ms", attrs, correlation)
	}
	if res.Latency.FirstAudioMS > 0 {
		p.emitter.EmitMetric(telemetry.MetricFirstAudioMS, float64(res.Latency.FirstAudioMS), "ms", attrs, correlation)
	}
	if genResult.OutputTokens > 0 {
		p.emitter.EmitMetric(telemetry.MetricOutputTokens, float64(genResult.OutputTokens), "count", attrs, correlation)
		if model, ok := p.catalog.ByID(served.Model); ok && model.CostPer1MOutputUSD > 0 {
			cost := float64(genResult.OutputTokens) * model.CostPer1MOutputUSD / 1e6
			p.emitter.EmitMetric(telemetry.MetricEstimatedCostUSD, cost, "usd", attrs, correlation)
		}
	}
}

// priorTurns counts completed exchanges in the conversation history.
func priorTurns(history []contracts.Message) int {
	n := 0
	for _, msg := range history {
		if msg.Role == contracts.RoleUser {
			n++
		}
	}
	return n
}

// timingSink stamps the first successful delivery and delegates.
type timingSink struct {
	inner dispatch.Sink
	clock func() time.Time

	first time.Time
}

func (s *timingSink) Play(ctx context.Context, chunk dispatch.Chunk) error {
	if err := s.inner.Play(ctx, chunk); err != nil {
		return err
	}
	if s.first.IsZero() {
		s.first = s.clock()
	}
	return nil
}

// First reports when the first chunk reached the sink. The dispatcher
// serializes Play calls, so no lock is needed.
func (s *timingSink) First() (time.Time, bool) {
	return s.first, !s.first.IsZero()
}
