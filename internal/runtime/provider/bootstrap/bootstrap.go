// Package bootstrap wires provider adapters into a registry from environment
// configuration.
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/registry"
	llmanthropic "github.com/tiger/voice-turn-pipeline/providers/llm/anthropic"
	llmbedrock "github.com/tiger/voice-turn-pipeline/providers/llm/bedrock"
	ttselevenlabs "github.com/tiger/voice-turn-pipeline/providers/tts/elevenlabs"
	ttspolly "github.com/tiger/voice-turn-pipeline/providers/tts/polly"
)

const (
	EnvBedrockEnabled    = "VTP_PROVIDER_BEDROCK_ENABLED"
	EnvAnthropicEnabled  = "VTP_PROVIDER_ANTHROPIC_ENABLED"
	EnvPollyEnabled      = "VTP_PROVIDER_POLLY_ENABLED"
	EnvElevenLabsEnabled = "VTP_PROVIDER_ELEVENLABS_ENABLED"
)

// Options selects which provider adapters are constructed.
type Options struct {
	Bedrock    bool
	Anthropic  bool
	Polly      bool
	ElevenLabs bool
}

// OptionsFromEnv reads provider toggles. The AWS-backed adapters default on
// because they defer credential resolution to call time; the keyed HTTP
// adapters default off so a bare environment still boots.
func OptionsFromEnv() Options {
	return Options{
		Bedrock:    envBool(EnvBedrockEnabled, true),
		Anthropic:  envBool(EnvAnthropicEnabled, false),
		Polly:      envBool(EnvPollyEnabled, true),
		ElevenLabs: envBool(EnvElevenLabsEnabled, false),
	}
}

// Build constructs the enabled adapters from environment configuration and
// registers them. An enabled provider with incomplete config fails the whole
// build: a half-wired runtime must not start.
func Build(opts Options) (registry.Registry, error) {
	var generators []contracts.Generator
	var synthesizers []contracts.SpeechSynthesizer

	if opts.Bedrock {
		generator, err := llmbedrock.NewFromEnv()
		if err != nil {
			return registry.Registry{}, fmt.Errorf("bedrock provider: %w", err)
		}
		generators = append(generators, generator)
	}
	if opts.Anthropic {
		generator, err := llmanthropic.NewFromEnv()
		if err != nil {
			return registry.Registry{}, fmt.Errorf("anthropic provider: %w", err)
		}
		generators = append(generators, generator)
	}
	if opts.Polly {
		synthesizer, err := ttspolly.NewFromEnv()
		if err != nil {
			return registry.Registry{}, fmt.Errorf("polly provider: %w", err)
		}
		synthesizers = append(synthesizers, synthesizer)
	}
	if opts.ElevenLabs {
		synthesizer, err := ttselevenlabs.NewFromEnv()
		if err != nil {
			return registry.Registry{}, fmt.Errorf("elevenlabs provider: %w", err)
		}
		synthesizers = append(synthesizers, synthesizer)
	}

	reg, err := registry.New(generators, synthesizers)
	if err != nil {
		return registry.Registry{}, err
	}
	if err := reg.ValidateCoverage(); err != nil {
		return registry.Registry{}, err
	}
	return reg, nil
}

// BuildFromEnv constructs the registry with env-selected providers.
func BuildFromEnv() (registry.Registry, error) {
	return Build(OptionsFromEnv())
}

// Summary returns deterministic provider counts for startup logs.
func Summary(reg registry.Registry) string {
	return fmt.Sprintf("providers initialized: llm=%s tts=%s",
		strings.Join(reg.GeneratorIDs(), ","),
		strings.Join(reg.SynthesizerIDs(), ","))
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
