package polly

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	pollysdk "github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
)

type fakePollyClient struct {
	out      *pollysdk.SynthesizeSpeechOutput
	err      error
	gotInput *pollysdk.SynthesizeSpeechInput
}

func (f *fakePollyClient) SynthesizeSpeech(_ context.Context, params *pollysdk.SynthesizeSpeechInput, _ ...func(*pollysdk.Options)) (*pollysdk.SynthesizeSpeechOutput, error) {
	f.gotInput = params
	return f.out, f.err
}

func audioStream(payload string) io.ReadCloser {
	return io.NopCloser(bytes.NewReader([]byte(payload)))
}

func testRequest() contracts.SpeechRequest {
	return contracts.SpeechRequest{Text: "Hello world.", Voice: "Joanna", Format: "mp3"}
}

func newTestSynthesizer(t *testing.T, client synthClient) *Synthesizer {
	t.Helper()

	synthesizer, err := NewWithClient(Config{}, client)
	if err != nil {
		t.Fatalf("unexpected synthesizer error: %v", err)
	}
	return synthesizer
}

func TestSynthesizeSuccess(t *testing.T) {
	t.Parallel()

	client := &fakePollyClient{out: &pollysdk.SynthesizeSpeechOutput{AudioStream: audioStream("mp3-bytes")}}
	synthesizer := newTestSynthesizer(t, client)

	result, err := synthesizer.Synthesize(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected synthesize error: %v", err)
	}
	if string(result.Audio) != "mp3-bytes" || result.Format != "mp3" {
		t.Fatalf("unexpected result: %+v", result)
	}

	input := client.gotInput
	if input == nil {
		t.Fatalf("expected synthesize input captured")
	}
	if aws.ToString(input.Text) != "Hello world." {
		t.Fatalf("unexpected text %v", input.Text)
	}
	if input.VoiceId != pollytypes.VoiceId("Joanna") {
		t.Fatalf("unexpected voice %v", input.VoiceId)
	}
	if input.OutputFormat != pollytypes.OutputFormatMp3 {
		t.Fatalf("unexpected format %v", input.OutputFormat)
	}
	if input.Engine != pollytypes.EngineNeural {
		t.Fatalf("expected default neural engine, got %v", input.Engine)
	}
}

func TestSynthesizeErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected contracts.FailureClass
	}{
		{name: "timeout", err: context.DeadlineExceeded, expected: contracts.FailureTimeout},
		{name: "rate_limited", err: &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "rate"}, expected: contracts.FailureRateLimited},
		{name: "request_invalid", err: &smithy.GenericAPIError{Code: "TextLengthExceededException", Message: "too long"}, expected: contracts.FailureRequestInvalid},
		{name: "service_unavailable", err: &smithy.GenericAPIError{Code: "ServiceFailureException", Message: "down"}, expected: contracts.FailureServiceUnavailable},
		{name: "transport", err: errors.New("tcp reset"), expected: contracts.FailureServiceUnavailable},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			synthesizer := newTestSynthesizer(t, &fakePollyClient{err: tc.err})

			_, err := synthesizer.Synthesize(context.Background(), testRequest())
			failure, ok := contracts.AsFailure(err)
			if !ok || failure.Class != tc.expected {
				t.Fatalf("expected %s failure, got %v", tc.expected, err)
			}
			if failure.Provider != ProviderID {
				t.Fatalf("expected provider stamped, got %+v", failure)
			}
		})
	}
}

func TestSynthesizeCancellationPassesThrough(t *testing.T) {
	t.Parallel()

	synthesizer := newTestSynthesizer(t, &fakePollyClient{err: context.Canceled})

	_, err := synthesizer.Synthesize(context.Background(), testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation passthrough, got %v", err)
	}
	if _, ok := contracts.AsFailure(err); ok {
		t.Fatalf("expected unclassified cancellation, got failure %v", err)
	}
}

func TestSynthesizeRejectsUnsupportedFormat(t *testing.T) {
	t.Parallel()

	synthesizer := newTestSynthesizer(t, &fakePollyClient{})

	req := testRequest()
	req.Format = "flac"
	_, err := synthesizer.Synthesize(context.Background(), req)
	failure, ok := contracts.AsFailure(err)
	if !ok || failure.Class != contracts.FailureRequestInvalid {
		t.Fatalf("expected request_invalid failure, got %v", err)
	}
}

func TestSynthesizeEmptyAudioStreamIsUnavailable(t *testing.T) {
	t.Parallel()

	synthesizer := newTestSynthesizer(t, &fakePollyClient{out: &pollysdk.SynthesizeSpeechOutput{}})

	_, err := synthesizer.Synthesize(context.Background(), testRequest())
	failure, ok := contracts.AsFailure(err)
	if !ok || failure.Class != contracts.FailureServiceUnavailable {
		t.Fatalf("expected service_unavailable failure, got %v", err)
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv(EnvRegion, "")
	t.Setenv(EnvEngine, "")
	t.Setenv("AWS_REGION", "")

	cfg := ConfigFromEnv()
	if cfg.Region != DefaultRegion || cfg.Engine != DefaultEngine {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
