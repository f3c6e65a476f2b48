// Package bedrock streams text generation from Amazon Bedrock's Converse API.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
)

// ProviderID identifies this adapter in the registry and model catalog.
const ProviderID = "bedrock"

const (
	EnvRegion = "VTP_BEDROCK_REGION"

	// DefaultRegion serves requests whose target carries no region.
	DefaultRegion = "us-east-1"
)

// eventStream abstracts the SDK's converse event stream for tests.
type eventStream interface {
	Events() <-chan brtypes.ConverseStreamOutput
	Close() error
	Err() error
}

// streamOpener opens one converse stream in a region.
type streamOpener interface {
	OpenStream(ctx context.Context, region string, input *bedrockruntime.ConverseStreamInput) (eventStream, error)
}

// Config holds Bedrock connection settings.
type Config struct {
	Region string
}

// ConfigFromEnv reads connection settings from the process environment.
func ConfigFromEnv() Config {
	return Config{
		Region: defaultString(os.Getenv(EnvRegion), defaultString(os.Getenv("AWS_REGION"), DefaultRegion)),
	}
}

// Generator streams Converse API output as text deltas. Regional clients are
// built lazily and reused across turns.
type Generator struct {
	cfg    Config
	opener streamOpener

	mu      sync.Mutex
	clients map[string]*bedrockruntime.Client
}

// New builds a generator backed by the AWS SDK.
func New(cfg Config) (*Generator, error) {
	return NewWithOpener(cfg, nil)
}

// NewWithOpener builds a generator with an injected stream opener for tests.
func NewWithOpener(cfg Config, opener streamOpener) (*Generator, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = DefaultRegion
	}
	return &Generator{
		cfg:     cfg,
		opener:  opener,
		clients: make(map[string]*bedrockruntime.Client),
	}, nil
}

// NewFromEnv builds a generator from environment configuration.
func NewFromEnv() (*Generator, error) {
	return New(ConfigFromEnv())
}

// ProviderID returns the registry identity.
func (g *Generator) ProviderID() string {
	return ProviderID
}

// Stream opens a converse stream in the request's region and forwards text
// deltas in arrival order. Usage metadata arrives after message stop, so the
// stream drains fully before the result is returned.
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

	input, err := converseInput(req)
	if err != nil {
		return contracts.GenerationResult{}, &contracts.Failure{
			Class:    contracts.FailureRequestInvalid,
			Provider: ProviderID,
			Model:    req.Model,
			Reason:   err.Error(),
			Err:      err,
		}
	}

	region := defaultString(req.Region, g.cfg.Region)
	stream, err := g.openStream(ctx, region, input)
	if err != nil {
		return contracts.GenerationResult{}, normalizeError(req.Model, err)
	}
	defer stream.Close()

	result := contracts.GenerationResult{Model: req.Model}
	sawStop := false
	for event := range stream.Events() {
		switch v := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			text, ok := v.Value.Delta.(*brtypes.ContentBlockDeltaMemberText)
			if !ok || text.Value == "" {
				continue
			}
			if err := emit(contracts.TextDelta{Text: text.Value}); err != nil {
				return contracts.GenerationResult{}, err
			}
		case *brtypes.ConverseStreamOutputMemberMessageStop:
			sawStop = true
			result.StopReason = string(v.Value.StopReason)
		case *brtypes.ConverseStreamOutputMemberMetadata:
			if v.Value.Usage != nil && v.Value.Usage.OutputTokens != nil {
				result.OutputTokens = int(*v.Value.Usage.OutputTokens)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return contracts.GenerationResult{}, normalizeError(req.Model, err)
	}
	if err := ctx.Err(); err != nil {
		return contracts.GenerationResult{}, err
	}
	if !sawStop {
		return contracts.GenerationResult{}, &contracts.Failure{
			Class:    contracts.FailureServiceUnavailable,
			Provider: ProviderID,
			Model:    req.Model,
			Reason:   "stream ended before message stop",
		}
	}
	if result.StopReason == "" {
		result.StopReason = "end_turn"
	}
	return result, nil
}

func (g *Generator) openStream(ctx context.Context, region string, input *bedrockruntime.ConverseStreamInput) (eventStream, error) {
	if g.opener != nil {
		return g.opener.OpenStream(ctx, region, input)
	}
	client, err := g.regionClient(ctx, region)
	if err != nil {
		return nil, err
	}
	out, err := client.ConverseStream(ctx, input)
	if err != nil {
		return nil, err
	}
	return out.GetStream(), nil
}

func (g *Generator) regionClient(ctx context.Context, region string) (*bedrockruntime.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if client, ok := g.clients[region]; ok {
		return client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := bedrockruntime.NewFromConfig(awsCfg)
	g.clients[region] = client
	return client, nil
}

// converseInput maps the provider-agnostic request onto the Converse wire
// shape. Reasoning budgets travel in additional model request fields.
func converseInput(req contracts.GenerationRequest) (*bedrockruntime.ConverseStreamInput, error) {
	messages := make([]brtypes.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := brtypes.ConversationRoleUser
		if msg.Role == contracts.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		messages = append(messages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: msg.Text}},
		})
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(req.MaxTokens)),
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	if len(req.Tools) > 0 {
		tools := make([]brtypes.Tool, 0, len(req.Tools))
		for _, tool := range req.Tools {
			spec := brtypes.ToolSpecification{Name: aws.String(tool.Name)}
			if tool.Description != "" {
				spec.Description = aws.String(tool.Description)
			}
			if len(tool.InputSchema) > 0 {
				var schema map[string]any
				if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
					return nil, fmt.Errorf("tool %q input schema: %w", tool.Name, err)
				}
				spec.InputSchema = &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)}
			}
			tools = append(tools, &brtypes.ToolMemberToolSpec{Value: spec})
		}
		input.ToolConfig = &brtypes.ToolConfiguration{Tools: tools}
	}
	if req.ReasoningBudgetTokens > 0 {
		input.AdditionalModelRequestFields = document.NewLazyDocument(map[string]any{
			"thinking": map[string]any{
				"type":          "enabled",
				"budget_tokens": req.ReasoningBudgetTokens,
			},
		})
	}
	return input, nil
}

// normalizeError maps SDK and stream errors onto the failure taxonomy.
// Caller cancellation passes through unclassified.
func normalizeError(model string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		reason := apiErr.ErrorMessage()
		if reason == "" {
			reason = apiErr.ErrorCode()
		}
		failure := &contracts.Failure{Provider: ProviderID, Model: model, Reason: reason, Err: err}
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			failure.Class = contracts.FailureRateLimited
			failure.BackoffMS = 500
		case "ValidationException", "AccessDeniedException", "ResourceNotFoundException":
			failure.Class = contracts.FailureRequestInvalid
		case "ModelTimeoutException":
			failure.Class = contracts.FailureTimeout
		default:
			failure.Class = contracts.FailureServiceUnavailable
		}
		return failure
	}

	return contracts.ClassifyTransportError(ProviderID, model, err)
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
