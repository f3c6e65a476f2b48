// Package elevenlabs renders sentence audio over the ElevenLabs HTTP API.
package elevenlabs

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	providerconfig "github.com/tiger/voice-turn-pipeline/internal/runtime/provider/config"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
	"github.com/tiger/voice-turn-pipeline/providers/common/httpadapter"
)

// ProviderID identifies this adapter in the registry.
const ProviderID = "elevenlabs"

const (
	EnvAPIKey    = "VTP_ELEVENLABS_API_KEY"
	EnvAPIKeyRef = "VTP_ELEVENLABS_API_KEY_REF"
	EnvEndpoint  = "VTP_ELEVENLABS_ENDPOINT"
	EnvModelID   = "VTP_ELEVENLABS_MODEL"

	DefaultEndpoint = "https://api.elevenlabs.io/v1/text-to-speech"
	DefaultModelID  = "eleven_multilingual_v2"
)

// Config holds ElevenLabs connection settings.
type Config struct {
	APIKey   string
	Endpoint string
	ModelID  string
	Timeout  time.Duration
}

// ConfigFromEnv reads connection settings from the process environment. The
// API key may arrive literally or through a secret reference.
func ConfigFromEnv() Config {
	return Config{
		APIKey:   providerconfig.ResolveEnvValue(EnvAPIKey, EnvAPIKeyRef, ""),
		Endpoint: defaultString(os.Getenv(EnvEndpoint), DefaultEndpoint),
		ModelID:  defaultString(os.Getenv(EnvModelID), DefaultModelID),
	}
}

// Synthesizer renders one sentence per call. The voice in each request names
// the ElevenLabs voice id.
type Synthesizer struct {
	client  *httpadapter.Client
	modelID string
}

// New validates the config and builds a synthesizer.
func New(cfg Config) (*Synthesizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("elevenlabs api key is required (set %s)", EnvAPIKey)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}

	client, err := httpadapter.New(httpadapter.Config{
		Provider:     ProviderID,
		Endpoint:     cfg.Endpoint,
		APIKey:       cfg.APIKey,
		APIKeyHeader: "xi-api-key",
		Timeout:      cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs client: %w", err)
	}
	return &Synthesizer{client: client, modelID: cfg.ModelID}, nil
}

// NewFromEnv builds a synthesizer from environment configuration.
func NewFromEnv() (*Synthesizer, error) {
	return New(ConfigFromEnv())
}

// ProviderID returns the registry identity.
func (s *Synthesizer) ProviderID() string {
	return ProviderID
}

// Synthesize renders the request text into audio bytes.
func (s *Synthesizer) Synthesize(ctx context.Context, req contracts.SpeechRequest) (contracts.SpeechResult, error) {
	if err := req.Validate(); err != nil {
		return contracts.SpeechResult{}, &contracts.Failure{
			Class:    contracts.FailureRequestInvalid,
			Provider: ProviderID,
			Reason:   err.Error(),
			Err:      err,
		}
	}
	outputFormat, accept, err := formatParams(req.Format)
	if err != nil {
		return contracts.SpeechResult{}, &contracts.Failure{
			Class:    contracts.FailureRequestInvalid,
			Provider: ProviderID,
			Reason:   err.Error(),
			Err:      err,
		}
	}

	audio, _, err := s.client.DoBytes(ctx, httpadapter.Request{
		Path:   "/" + url.PathEscape(req.Voice),
		Query:  url.Values{"output_format": []string{outputFormat}},
		Header: map[string]string{"Accept": accept},
		Body: map[string]any{
			"text":     req.Text,
			"model_id": s.modelID,
		},
	})
	if err != nil {
		return contracts.SpeechResult{}, err
	}
	if len(audio) == 0 {
		return contracts.SpeechResult{}, &contracts.Failure{
			Class:    contracts.FailureServiceUnavailable,
			Provider: ProviderID,
			Reason:   "empty audio payload",
		}
	}
	return contracts.SpeechResult{Audio: audio, Format: req.Format}, nil
}

func formatParams(format string) (string, string, error) {
	switch format {
	case "mp3":
		return "mp3_44100_128", "audio/mpeg", nil
	case "pcm":
		return "pcm_16000", "audio/wav", nil
	default:
		return "", "", fmt.Errorf("unsupported audio format %q", format)
	}
}

func defaultString(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
