package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Modality defines provider families used by turn stages.
type Modality string

const (
	ModalityLLM Modality = "llm"
	ModalityTTS Modality = "tts"
)

// Validate enforces supported provider modality values.
func (m Modality) Validate() error {
	switch m {
	case ModalityLLM, ModalityTTS:
		return nil
	default:
		return fmt.Errorf("unsupported modality: %q", m)
	}
}

// FailureClass is the normalized provider-failure taxonomy.
type FailureClass string

const (
	FailureRateLimited        FailureClass = "rate_limited"
	FailureServiceUnavailable FailureClass = "service_unavailable"
	FailureRequestInvalid     FailureClass = "request_invalid"
	FailureTimeout            FailureClass = "timeout"
	FailureCircuitOpen        FailureClass = "circuit_open"
	FailureSegmentation       FailureClass = "segmentation"
)

// Validate enforces supported failure classes.
func (c FailureClass) Validate() error {
	switch c {
	case FailureRateLimited, FailureServiceUnavailable, FailureRequestInvalid,
		FailureTimeout, FailureCircuitOpen, FailureSegmentation:
		return nil
	default:
		return fmt.Errorf("unsupported failure_class: %q", c)
	}
}

// Retryable reports whether the class may be retried on the same model.
// Timeouts fall through to a faster model instead of retrying in place.
func (c FailureClass) Retryable() bool {
	return c == FailureRateLimited || c == FailureServiceUnavailable
}

// Failure is a classified provider failure carried through the pipeline.
type Failure struct {
	Class     FailureClass
	Provider  string
	Model     string
	Reason    string
	BackoffMS int64
	Err       error
}

// NewFailure builds a classified failure without an underlying error.
func NewFailure(class FailureClass, provider, model, reason string) *Failure {
	return &Failure{Class: class, Provider: provider, Model: model, Reason: reason}
}

func (f *Failure) Error() string {
	parts := make([]string, 0, 4)
	parts = append(parts, string(f.Class))
	if f.Provider != "" {
		parts = append(parts, "provider="+f.Provider)
	}
	if f.Model != "" {
		parts = append(parts, "model="+f.Model)
	}
	if f.Reason != "" {
		parts = append(parts, f.Reason)
	}
	return strings.Join(parts, " ")
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether the failure may be retried on the same model.
func (f *Failure) Retryable() bool {
	return f.Class.Retryable()
}

// Validate enforces normalized failure invariants.
func (f *Failure) Validate() error {
	if err := f.Class.Validate(); err != nil {
		return err
	}
	if f.Reason == "" && f.Err == nil {
		return fmt.Errorf("failure requires a reason or an underlying error")
	}
	if f.BackoffMS < 0 {
		return fmt.Errorf("backoff_ms must be >=0")
	}
	return nil
}

// AsFailure unwraps err to the classified failure when one is present.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// ClassifyHTTPStatus normalizes an HTTP response status into a failure.
// Statuses below 400 return nil.
func ClassifyHTTPStatus(provider, model string, status int, retryAfter string) *Failure {
	if status < 400 {
		return nil
	}
	reason := fmt.Sprintf("http status %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		return &Failure{
			Class:     FailureRateLimited,
			Provider:  provider,
			Model:     model,
			Reason:    reason,
			BackoffMS: retryAfterToMS(retryAfter),
		}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &Failure{Class: FailureTimeout, Provider: provider, Model: model, Reason: reason}
	case status >= 400 && status < 500:
		return &Failure{Class: FailureRequestInvalid, Provider: provider, Model: model, Reason: reason}
	default:
		return &Failure{Class: FailureServiceUnavailable, Provider: provider, Model: model, Reason: reason}
	}
}

func retryAfterToMS(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 500
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 500
	}
	return int64(seconds) * 1000
}

// ClassifyTransportError normalizes transport-level errors. Caller
// cancellation passes through unclassified: hangup is not a provider failure.
func ClassifyTransportError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Class: FailureTimeout, Provider: provider, Model: model, Reason: "deadline exceeded", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Class: FailureTimeout, Provider: provider, Model: model, Reason: "network timeout", Err: err}
	}
	return &Failure{Class: FailureServiceUnavailable, Provider: provider, Model: model, Reason: "transport error", Err: err}
}

// Message is one conversation entry in a generation request.
type Message struct {
	Role string
	Text string
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// GenerationRequest is the provider-agnostic generation call for one turn.
type GenerationRequest struct {
	Model                 string
	Region                string
	System                string
	Messages              []Message
	MaxTokens             int
	Temperature           float64
	Tools                 []ToolSpec
	ReasoningBudgetTokens int
}

// Validate enforces generation request invariants.
func (r GenerationRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("at least one message is required")
	}
	for i, msg := range r.Messages {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			return fmt.Errorf("message %d has unsupported role %q", i, msg.Role)
		}
		if strings.TrimSpace(msg.Text) == "" {
			return fmt.Errorf("message %d has empty text", i)
		}
	}
	if r.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be >=1")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("temperature must be within [0,2]")
	}
	for i, tool := range r.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tool %d requires a name", i)
		}
	}
	if r.ReasoningBudgetTokens < 0 {
		return fmt.Errorf("reasoning_budget_tokens must be >=0")
	}
	return nil
}

// TextDelta is one streamed fragment of generated text.
type TextDelta struct {
	Text string
}

// GenerationResult summarizes a completed generation stream.
type GenerationResult struct {
	Model        string
	StopReason   string
	OutputTokens int
}

// SpeechRequest asks a synthesizer for audio of one sentence.
type SpeechRequest struct {
	Text   string
	Voice  string
	Format string
}

// Validate enforces speech request invariants.
func (r SpeechRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("text is required")
	}
	if r.Voice == "" {
		return fmt.Errorf("voice is required")
	}
	if r.Format == "" {
		return fmt.Errorf("format is required")
	}
	return nil
}

// SpeechResult is rendered audio for one sentence.
type SpeechResult struct {
	Audio  []byte
	Format string
}

// Generator streams model output for a turn. Implementations emit deltas in
// order and return the final result; classified failures are *Failure.
type Generator interface {
	ProviderID() string
	Stream(ctx context.Context, req GenerationRequest, emit func(TextDelta) error) (GenerationResult, error)
}

// SpeechSynthesizer renders audio for one sentence.
type SpeechSynthesizer interface {
	ProviderID() string
	Synthesize(ctx context.Context, req SpeechRequest) (SpeechResult, error)
}

// StaticGenerator is a deterministic Generator for tests and dry runs.
// Deltas are emitted in order; when Failure is set it is returned after the
// deltas, modeling a mid-stream provider fault.
type StaticGenerator struct {
	ID      string
	Deltas  []string
	Result  GenerationResult
	Failure *Failure
}

func (g StaticGenerator) ProviderID() string {
	if g.ID == "" {
		return "static-llm"
	}
	return g.ID
}

func (g StaticGenerator) Stream(ctx context.Context, req GenerationRequest, emit func(TextDelta) error) (GenerationResult, error) {
	if err := req.Validate(); err != nil {
		return GenerationResult{}, &Failure{Class: FailureRequestInvalid, Provider: g.ProviderID(), Model: req.Model, Reason: err.Error(), Err: err}
	}
	for _, delta := range g.Deltas {
		if err := ctx.Err(); err != nil {
			return GenerationResult{}, err
		}
		if err := emit(TextDelta{Text: delta}); err != nil {
			return GenerationResult{}, err
		}
	}
	if g.Failure != nil {
		return GenerationResult{}, g.Failure
	}
	result := g.Result
	if result.Model == "" {
		result.Model = req.Model
	}
	if result.StopReason == "" {
		result.StopReason = "end_turn"
	}
	return result, nil
}

// StaticSynthesizer is a deterministic SpeechSynthesizer for tests.
type StaticSynthesizer struct {
	ID      string
	Format  string
	Failure *Failure
}

func (s StaticSynthesizer) ProviderID() string {
	if s.ID == "" {
		return "static-tts"
	}
	return s.ID
}

func (s StaticSynthesizer) Synthesize(ctx context.Context, req SpeechRequest) (SpeechResult, error) {
	if err := ctx.Err(); err != nil {
		return SpeechResult{}, err
	}
	if err := req.Validate(); err != nil {
		return SpeechResult{}, &Failure{Class: FailureRequestInvalid, Provider: s.ProviderID(), Reason: err.Error(), Err: err}
	}
	if s.Failure != nil {
		return SpeechResult{}, s.Failure
	}
	format := s.Format
	if format == "" {
		format = req.Format
	}
	return SpeechResult{Audio: []byte("audio:" + req.Text), Format: format}, nil
}
