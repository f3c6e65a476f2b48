// Package registry stores initialized provider adapters keyed by provider ID.
package registry

import (
	"fmt"
	"sort"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
)

// Registry holds generation and synthesis adapters with deterministic
// provider ordering.
type Registry struct {
	generators     map[string]contracts.Generator
	synthesizers   map[string]contracts.SpeechSynthesizer
	generatorIDs   []string
	synthesizerIDs []string
}

// New builds a registry from initialized adapters. Provider IDs must be
// non-empty and unique within their modality.
func New(generators []contracts.Generator, synthesizers []contracts.SpeechSynthesizer) (Registry, error) {
	reg := Registry{
		generators:   make(map[string]contracts.Generator, len(generators)),
		synthesizers: make(map[string]contracts.SpeechSynthesizer, len(synthesizers)),
	}

	for _, generator := range generators {
		if generator == nil {
			return Registry{}, fmt.Errorf("generation adapter cannot be nil")
		}
		providerID := generator.ProviderID()
		if providerID == "" {
			return Registry{}, fmt.Errorf("generation provider_id is required")
		}
		if _, exists := reg.generators[providerID]; exists {
			return Registry{}, fmt.Errorf("duplicate generation provider %q", providerID)
		}
		reg.generators[providerID] = generator
		reg.generatorIDs = append(reg.generatorIDs, providerID)
	}

	for _, synthesizer := range synthesizers {
		if synthesizer == nil {
			return Registry{}, fmt.Errorf("synthesis adapter cannot be nil")
		}
		providerID := synthesizer.ProviderID()
		if providerID == "" {
			return Registry{}, fmt.Errorf("synthesis provider_id is required")
		}
		if _, exists := reg.synthesizers[providerID]; exists {
			return Registry{}, fmt.Errorf("duplicate synthesis provider %q", providerID)
		}
		reg.synthesizers[providerID] = synthesizer
		reg.synthesizerIDs = append(reg.synthesizerIDs, providerID)
	}

	sort.Strings(reg.generatorIDs)
	sort.Strings(reg.synthesizerIDs)
	return reg, nil
}

// Generator returns the generation adapter registered under providerID.
func (r Registry) Generator(providerID string) (contracts.Generator, bool) {
	generator, ok := r.generators[providerID]
	return generator, ok
}

// Synthesizer returns the synthesis adapter registered under providerID.
func (r Registry) Synthesizer(providerID string) (contracts.SpeechSynthesizer, bool) {
	synthesizer, ok := r.synthesizers[providerID]
	return synthesizer, ok
}

// GeneratorIDs returns registered generation provider ids in sorted order.
func (r Registry) GeneratorIDs() []string {
	out := make([]string, len(r.generatorIDs))
	copy(out, r.generatorIDs)
	return out
}

// SynthesizerIDs returns registered synthesis provider ids in sorted order.
func (r Registry) SynthesizerIDs() []string {
	out := make([]string, len(r.synthesizerIDs))
	copy(out, r.synthesizerIDs)
	return out
}

// GeneratorCandidates returns generation adapters with the preferred
// provider first and the rest in sorted order.
func (r Registry) GeneratorCandidates(preferred string) ([]contracts.Generator, error) {
	if len(r.generatorIDs) == 0 {
		return nil, fmt.Errorf("no generation providers registered")
	}
	ordered, err := candidateOrder(r.generatorIDs, preferred)
	if err != nil {
		return nil, fmt.Errorf("generation %w", err)
	}
	adapters := make([]contracts.Generator, 0, len(ordered))
	for _, providerID := range ordered {
		adapters = append(adapters, r.generators[providerID])
	}
	return adapters, nil
}

// SynthesizerCandidates returns synthesis adapters with the preferred
// provider first and the rest in sorted order.
func (r Registry) SynthesizerCandidates(preferred string) ([]contracts.SpeechSynthesizer, error) {
	if len(r.synthesizerIDs) == 0 {
		return nil, fmt.Errorf("no synthesis providers registered")
	}
	ordered, err := candidateOrder(r.synthesizerIDs, preferred)
	if err != nil {
		return nil, fmt.Errorf("synthesis %w", err)
	}
	adapters := make([]contracts.SpeechSynthesizer, 0, len(ordered))
	for _, providerID := range ordered {
		adapters = append(adapters, r.synthesizers[providerID])
	}
	return adapters, nil
}

// ValidateCoverage requires at least one adapter in each modality.
func (r Registry) ValidateCoverage() error {
	if len(r.generatorIDs) == 0 {
		return fmt.Errorf("at least one generation provider is required")
	}
	if len(r.synthesizerIDs) == 0 {
		return fmt.Errorf("at least one synthesis provider is required")
	}
	return nil
}

func candidateOrder(sorted []string, preferred string) ([]string, error) {
	if preferred == "" {
		out := make([]string, len(sorted))
		copy(out, sorted)
		return out, nil
	}

	found := false
	out := make([]string, 0, len(sorted))
	out = append(out, preferred)
	for _, providerID := range sorted {
		if providerID == preferred {
			found = true
			continue
		}
		out = append(out, providerID)
	}
	if !found {
		return nil, fmt.Errorf("provider %q is not registered", preferred)
	}
	return out, nil
}
