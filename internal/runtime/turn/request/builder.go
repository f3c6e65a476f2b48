package request

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/routing/catalog"
)

// ErrUnknownModel reports a routing decision naming a model the catalog does
// not carry. This is a configuration bug and is surfaced, never defaulted.
var ErrUnknownModel = errors.New("model not present in catalog")

const (
	// VoiceTemperature keeps spoken replies consistent across turns.
	VoiceTemperature = 0.3
	// DefaultMaxOutputTokens bounds replies when the caller does not ask
	// for a specific ceiling; spoken answers should stay short.
	DefaultMaxOutputTokens = 300
)

// VoiceSystemPrompt is appended to every turn so replies read well aloud.
const VoiceSystemPrompt = "You are a voice assistant speaking with a caller in real time. " +
	"Keep replies short and conversational, use natural contractions, and read " +
	"numbers, dates, and times the way a person would say them aloud. Never use " +
	"markup, bullet points, or headings. When the caller needs to respond, end " +
	"with one clear closing question."

// TurnRequest is the assembled generation request for one voice turn.
type TurnRequest = contracts.GenerationRequest

// Exchange is one prior conversation entry.
type Exchange = contracts.Message

// Params carries the routing outcome and conversation context into the build.
type Params struct {
	ModelID               string
	Region                string
	Transcript            string
	History               []Exchange
	MaxTokens             int
	ReasoningBudgetTokens int
	Tools                 []contracts.ToolSpec
}

// Build assembles the outbound generation request, honoring the model's
// documented ceilings: max_tokens is capped, tools attach only when the
// model supports them, and the reasoning budget is clamped to the model's
// maximum (zeroed when unsupported).
func Build(cat *catalog.Catalog, p Params) (TurnRequest, error) {
	model, ok := cat.ByID(p.ModelID)
	if !ok {
		return TurnRequest{}, fmt.Errorf("%w: %q", ErrUnknownModel, p.ModelID)
	}
	if strings.TrimSpace(p.Transcript) == "" {
		return TurnRequest{}, fmt.Errorf("transcript is required")
	}

	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}
	if maxTokens > model.MaxOutputTokens {
		maxTokens = model.MaxOutputTokens
	}

	messages := make([]contracts.Message, 0, len(p.History)+1)
	messages = append(messages, p.History...)
	messages = append(messages, contracts.Message{Role: contracts.RoleUser, Text: p.Transcript})

	var tools []contracts.ToolSpec
	if model.SupportsTools && len(p.Tools) > 0 {
		tools = append(tools, p.Tools...)
	}

	reasoningBudget := 0
	if p.ReasoningBudgetTokens > 0 && model.SupportsReasoning {
		reasoningBudget = p.ReasoningBudgetTokens
		if reasoningBudget > model.MaxReasoningTokens {
			reasoningBudget = model.MaxReasoningTokens
		}
	}

	req := TurnRequest{
		Model:                 model.ID,
		Region:                p.Region,
		System:                VoiceSystemPrompt,
		Messages:              messages,
		MaxTokens:             maxTokens,
		Temperature:           VoiceTemperature,
		Tools:                 tools,
		ReasoningBudgetTokens: reasoningBudget,
	}
	if err := req.Validate(); err != nil {
		return TurnRequest{}, fmt.Errorf("assembled request invalid: %w", err)
	}
	return req, nil
}
