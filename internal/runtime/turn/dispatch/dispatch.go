package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/turn/segmenter"
)

// DefaultMaxInFlight bounds concurrent synthesis calls for one turn.
const DefaultMaxInFlight = 3

// FallbackPhrase is synthesized in place of the turn's terminal segment when
// that segment's own synthesis fails.
const FallbackPhrase = "Sorry, could you repeat that?"

// Voice carries the synthesis parameters applied to every segment of a turn.
type Voice struct {
	ID     string
	Format string
}

// Chunk is one audio emission, released to the sink in segment order.
type Chunk struct {
	Seq      int
	Text     string
	Audio    []byte
	Format   string
	Fallback bool
}

// Sink receives ordered audio chunks. Calls are serialized by the
// dispatcher; implementations do not need their own ordering.
type Sink interface {
	Play(ctx context.Context, chunk Chunk) error
}

// SegmentFailure records one segment whose synthesis failed.
type SegmentFailure struct {
	Seq  int
	Text string
	Err  error
}

// Report summarizes one dispatch run. Skipped failures did not stop later
// segments; a missing sentence degrades the reply instead of aborting it.
type Report struct {
	Delivered         int
	Skipped           []SegmentFailure
	FallbackDelivered bool
	FallbackErr       error
}

// Config assembles a Dispatcher.
type Config struct {
	Synthesizer contracts.SpeechSynthesizer
	Sink        Sink
	Voice       Voice
	MaxInFlight int
	Log         *zap.Logger
}

// Dispatcher issues one synthesis call per segment, at most MaxInFlight
// concurrently, and releases audio to the sink in strictly increasing
// sequence order. The first segment is dispatched the moment it arrives.
type Dispatcher struct {
	synth       contracts.SpeechSynthesizer
	sink        Sink
	voice       Voice
	maxInFlight int
	log         *zap.Logger
}

// New validates the configuration and returns a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Synthesizer == nil {
		return nil, fmt.Errorf("synthesizer is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Voice.ID == "" || cfg.Voice.Format == "" {
		return nil, fmt.Errorf("voice id and format are required")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Dispatcher{
		synth:       cfg.Synthesizer,
		sink:        cfg.Sink,
		voice:       cfg.Voice,
		maxInFlight: cfg.MaxInFlight,
		log:         cfg.Log,
	}, nil
}

type outcome struct {
	seg    segmenter.Segment
	audio  []byte
	format string
	err    error
}

// Run consumes segments until the channel closes and streams their audio to
// the sink. Synthesis runs concurrently but emission order is the segment
// sequence order. A failed segment is skipped and reported; a failed
// terminal segment is replaced by the fallback phrase. Run returns an error
// only for sink failures and context cancellation.
func (d *Dispatcher) Run(ctx context.Context, segments <-chan segmenter.Segment) (Report, error) {
	sem := semaphore.NewWeighted(int64(d.maxInFlight))
	pending := make(chan chan outcome, d.maxInFlight)

	var rep Report
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(pending)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case seg, ok := <-segments:
				if !ok {
					return nil
				}
				if err := sem.Acquire(ctx, 1); err != nil {
					return err
				}
				ch := make(chan outcome, 1)
				select {
				case pending <- ch:
				case <-ctx.Done():
					sem.Release(1)
					return ctx.Err()
				}
				go func() {
					defer sem.Release(1)
					audio, format, err := d.synthesize(ctx, seg.Text)
					ch <- outcome{seg: seg, audio: audio, format: format, err: err}
				}()
			}
		}
	})

	g.Go(func() error {
		// A failed segment is held one step: if another segment follows
		// it was a mid-turn failure and is skipped, if the stream ends
		// it was the terminal segment and the fallback phrase speaks.
		var held *outcome
		for ch := range pending {
			out := <-ch
			if err := ctx.Err(); err != nil {
				return err
			}
			if held != nil {
				d.skip(&rep, *held)
				held = nil
			}
			if out.err != nil {
				out := out
				held = &out
				continue
			}
			if err := d.deliver(ctx, &rep, out); err != nil {
				return err
			}
		}
		if held == nil {
			return nil
		}
		d.skip(&rep, *held)
		return d.deliverFallback(ctx, &rep, held.seg.Seq)
	})

	err := g.Wait()
	return rep, err
}

func (d *Dispatcher) synthesize(ctx context.Context, text string) ([]byte, string, error) {
	res, err := d.synth.Synthesize(ctx, contracts.SpeechRequest{
		Text:   text,
		Voice:  d.voice.ID,
		Format: d.voice.Format,
	})
	if err != nil {
		return nil, "", err
	}
	return res.Audio, res.Format, nil
}

func (d *Dispatcher) deliver(ctx context.Context, rep *Report, out outcome) error {
	chunk := Chunk{
		Seq:    out.seg.Seq,
		Text:   out.seg.Text,
		Audio:  out.audio,
		Format: out.format,
	}
	if err := d.sink.Play(ctx, chunk); err != nil {
		return fmt.Errorf("sink rejected segment %d: %w", out.seg.Seq, err)
	}
	rep.Delivered++
	d.log.Debug("segment delivered",
		zap.Int("seq", out.seg.Seq),
		zap.Int("audio_bytes", len(out.audio)))
	return nil
}

func (d *Dispatcher) skip(rep *Report, out outcome) {
	rep.Skipped = append(rep.Skipped, SegmentFailure{Seq: out.seg.Seq, Text: out.seg.Text, Err: out.err})
	d.log.Warn("segment skipped",
		zap.Int("seq", out.seg.Seq),
		zap.Error(out.err))
}

func (d *Dispatcher) deliverFallback(ctx context.Context, rep *Report, seq int) error {
	audio, format, err := d.synthesize(ctx, FallbackPhrase)
	if err != nil {
		rep.FallbackErr = err
		d.log.Warn("fallback phrase synthesis failed", zap.Error(err))
		return nil
	}
	chunk := Chunk{Seq: seq, Text: FallbackPhrase, Audio: audio, Format: format, Fallback: true}
	if err := d.sink.Play(ctx, chunk); err != nil {
		return fmt.Errorf("sink rejected fallback phrase: %w", err)
	}
	rep.FallbackDelivered = true
	d.log.Info("fallback phrase delivered", zap.Int("seq", seq))
	return nil
}
