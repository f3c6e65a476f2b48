// Package polly renders sentence audio with Amazon Polly.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
)

// ProviderID identifies this adapter in the registry.
const ProviderID = "polly"

const (
	EnvRegion = "VTP_POLLY_REGION"
	EnvEngine = "VTP_POLLY_ENGINE"

	DefaultRegion = "us-east-1"
	DefaultEngine = "neural"

	// DefaultTimeout bounds one sentence synthesis call.
	DefaultTimeout = 10 * time.Second
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Config holds Polly connection settings.
type Config struct {
	Region  string
	Engine  string
	Timeout time.Duration
}

// ConfigFromEnv reads connection settings from the process environment.
func ConfigFromEnv() Config {
	return Config{
		Region: defaultString(os.Getenv(EnvRegion), defaultString(os.Getenv("AWS_REGION"), DefaultRegion)),
		Engine: defaultString(os.Getenv(EnvEngine), DefaultEngine),
	}
}

// Synthesizer renders one sentence per call. The SDK client is built lazily
// so construction never needs credentials.
type Synthesizer struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

// New builds a synthesizer backed by the AWS SDK.
func New(cfg Config) (*Synthesizer, error) {
	return NewWithClient(cfg, nil)
}

// NewWithClient builds a synthesizer with an injected client for tests.
func NewWithClient(cfg Config, client synthClient) (*Synthesizer, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = DefaultRegion
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = DefaultEngine
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Synthesizer{client: client, cfg: cfg}, nil
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
	format, err := outputFormat(req.Format)
	if err != nil {
		return contracts.SpeechResult{}, &contracts.Failure{
			Class:    contracts.FailureRequestInvalid,
			Provider: ProviderID,
			Reason:   err.Error(),
			Err:      err,
		}
	}

	client, err := s.resolveClient(ctx)
	if err != nil {
		return contracts.SpeechResult{}, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(s.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: format,
		Text:         aws.String(req.Text),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(req.Voice),
	})
	if err != nil {
		return contracts.SpeechResult{}, normalizeError(err)
	}
	if output == nil || output.AudioStream == nil {
		return contracts.SpeechResult{}, &contracts.Failure{
			Class:    contracts.FailureServiceUnavailable,
			Provider: ProviderID,
			Reason:   "empty audio stream",
		}
	}
	defer output.AudioStream.Close()

	audio, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return contracts.SpeechResult{}, normalizeError(err)
	}
	return contracts.SpeechResult{Audio: audio, Format: req.Format}, nil
}

func (s *Synthesizer) resolveClient(ctx context.Context) (synthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = polly.NewFromConfig(awsCfg)
	return s.client, nil
}

func outputFormat(format string) (pollytypes.OutputFormat, error) {
	switch format {
	case "mp3":
		return pollytypes.OutputFormatMp3, nil
	case "ogg_vorbis":
		return pollytypes.OutputFormatOggVorbis, nil
	case "pcm":
		return pollytypes.OutputFormatPcm, nil
	default:
		return "", fmt.Errorf("unsupported audio format %q", format)
	}
}

// normalizeError maps SDK errors onto the failure taxonomy. Caller
// cancellation passes through unclassified.
func normalizeError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		reason := apiErr.ErrorMessage()
		if reason == "" {
			reason = apiErr.ErrorCode()
		}
		failure := &contracts.Failure{Provider: ProviderID, Reason: reason, Err: err}
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException":
			failure.Class = contracts.FailureRateLimited
			failure.BackoffMS = 500
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"MarksNotSupportedForFormatException", "InvalidSampleRateException", "LanguageNotSupportedException":
			failure.Class = contracts.FailureRequestInvalid
		default:
			failure.Class = contracts.FailureServiceUnavailable
		}
		return failure
	}

	return contracts.ClassifyTransportError(ProviderID, "", err)
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
