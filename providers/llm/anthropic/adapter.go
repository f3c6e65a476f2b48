// Package anthropic streams text generation from the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
	"github.com/tiger/voice-turn-pipeline/providers/common/httpadapter"
	"github.com/tiger/voice-turn-pipeline/providers/common/streamsse"
)

// ProviderID identifies this adapter in the registry and model catalog.
const ProviderID = "anthropic"

const (
	EnvAPIKey   = "VTP_ANTHROPIC_API_KEY"
	EnvEndpoint = "VTP_ANTHROPIC_ENDPOINT"
	EnvVersion  = "VTP_ANTHROPIC_VERSION"

	DefaultEndpoint   = "https://api.anthropic.com/v1/messages"
	DefaultAPIVersion = "2023-06-01"
)

// Config holds Anthropic connection settings.
type Config struct {
	APIKey     string
	Endpoint   string
	APIVersion string
	Timeout    time.Duration
}

// ConfigFromEnv reads connection settings from the process environment.
func ConfigFromEnv() Config {
	return Config{
		APIKey:     os.Getenv(EnvAPIKey),
		Endpoint:   defaultString(os.Getenv(EnvEndpoint), DefaultEndpoint),
		APIVersion: defaultString(os.Getenv(EnvVersion), DefaultAPIVersion),
	}
}

// Generator streams Messages API completions as text deltas.
type Generator struct {
	client *httpadapter.Client
}

// New validates the config and builds a streaming generator.
func New(cfg Config) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required (set %s)", EnvAPIKey)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}

	client, err := httpadapter.New(httpadapter.Config{
		Provider:     ProviderID,
		Endpoint:     cfg.Endpoint,
		APIKey:       cfg.APIKey,
		APIKeyHeader: "x-api-key",
		Timeout:      cfg.Timeout,
		StaticHeaders: map[string]string{
			"anthropic-version": cfg.APIVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic client: %w", err)
	}
	return &Generator{client: client}, nil
}

// NewFromEnv builds a generator from environment configuration.
func NewFromEnv() (*Generator, error) {
	return New(ConfigFromEnv())
}

// ProviderID returns the registry identity.
func (g *Generator) ProviderID() string {
	return ProviderID
}

// Stream posts the request with stream enabled and forwards text deltas in
// arrival order. The final result carries stop reason and token usage.
func (g *Generator) Stream(ctx context.Context, req contracts.GenerationRequest, emit func(contracts.TextDelta) error) (contracts.GenerationResult, error) {
	if err := req.Validate(); err != nil {
		return contracts.GenerationResult{}, &contracts.Failure{
			Class:    contracts.FailureRequestInvalid,
			Provider: ProviderID,
			Model:    req.Model,
			Reason:   err.Error(),
			Err:      err,
		}
	}

	body, err := g.client.DoStream(ctx, httpadapter.Request{
		Model:  req.Model,
		Body:   messagesBody(req),
		Header: map[string]string{"Accept": "text/event-stream"},
	})
	if err != nil {
		return contracts.GenerationResult{}, err
	}
	defer body.Close()

	result := contracts.GenerationResult{Model: req.Model}
	scanner := streamsse.NewScanner(body)
	for scanner.Next() {
		event := scanner.Event()
		switch event.Name {
		case "content_block_delta":
			var payload struct {
				Delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
			}
			if err := json.Unmarshal([]byte(event.Data), &payload); err != nil {
				// Text deltas feed synthesis directly; a payload we cannot
				// parse poisons the turn rather than one sample.
				return contracts.GenerationResult{}, &contracts.Failure{
					Class:    contracts.FailureSegmentation,
					Provider: ProviderID,
					Model:    req.Model,
					Reason:   "malformed text delta payload",
					Err:      err,
				}
			}
			if payload.Delta.Type != "text_delta" || payload.Delta.Text == "" {
				continue
			}
			if err := emit(contracts.TextDelta{Text: payload.Delta.Text}); err != nil {
				return contracts.GenerationResult{}, err
			}
		case "message_delta":
			var payload struct {
				Delta struct {
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
				Usage struct {
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal([]byte(event.Data), &payload); err != nil {
				continue
			}
			if payload.Delta.StopReason != "" {
				result.StopReason = payload.Delta.StopReason
			}
			if payload.Usage.OutputTokens > 0 {
				result.OutputTokens = payload.Usage.OutputTokens
			}
		case "message_stop":
			if result.StopReason == "" {
				result.StopReason = "end_turn"
			}
			return result, nil
		case "error":
			return contracts.GenerationResult{}, streamFailure(req.Model, event.Data)
		}
	}
	if err := scanner.Err(); err != nil {
		if classified := contracts.ClassifyTransportError(ProviderID, req.Model, err); classified != nil {
			return contracts.GenerationResult{}, classified
		}
	}
	if err := ctx.Err(); err != nil {
		return contracts.GenerationResult{}, err
	}
	return contracts.GenerationResult{}, &contracts.Failure{
		Class:    contracts.FailureServiceUnavailable,
		Provider: ProviderID,
		Model:    req.Model,
		Reason:   "stream ended before message_stop",
	}
}

// messagesBody maps the provider-agnostic request onto the Messages wire
// shape. Reasoning budgets travel as an enabled thinking block.
func messagesBody(req contracts.GenerationRequest) map[string]any {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, map[string]any{
			"role":    msg.Role,
			"content": msg.Text,
		})
	}

	body := map[string]any{
		"model":      req.Model,
		"max_tokens": req.MaxTokens,
		"messages":   messages,
		"stream":     true,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			entry := map[string]any{"name": tool.Name}
			if tool.Description != "" {
				entry["description"] = tool.Description
			}
			if len(tool.InputSchema) > 0 {
				entry["input_schema"] = json.RawMessage(tool.InputSchema)
			}
			tools = append(tools, entry)
		}
		body["tools"] = tools
	}
	if req.ReasoningBudgetTokens > 0 {
		body["thinking"] = map[string]any{
			"type":          "enabled",
			"budget_tokens": req.ReasoningBudgetTokens,
		}
	}
	return body
}

// streamFailure maps in-band error events onto the failure taxonomy.
func streamFailure(model, data string) *contracts.Failure {
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal([]byte(data), &payload)

	class := contracts.FailureServiceUnavailable
	switch payload.Error.Type {
	case "rate_limit_error":
		class = contracts.FailureRateLimited
	case "invalid_request_error", "authentication_error", "permission_error", "not_found_error":
		class = contracts.FailureRequestInvalid
	case "timeout_error":
		class = contracts.FailureTimeout
	}

	reason := payload.Error.Message
	if reason == "" {
		reason = "provider stream error"
	}
	failure := &contracts.Failure{Class: class, Provider: ProviderID, Model: model, Reason: reason}
	if class == contracts.FailureRateLimited {
		failure.BackoffMS = 500
	}
	return failure
}

func defaultString(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
