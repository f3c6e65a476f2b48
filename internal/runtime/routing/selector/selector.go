package selector

import (
	"fmt"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/routing/catalog"
)

// DefaultReasoningBudgetTokens is granted when the deep-reasoning rule
// fires; the request builder clamps it to the model's ceiling.
const DefaultReasoningBudgetTokens = 4096

// Rule names, in evaluation order. The order is part of the contract.
const (
	RuleDeepReasoning  = "deep_reasoning"
	RuleSnappyExchange = "snappy_exchange"
	RuleFastLane       = "fast_lane"
	RuleToolCall       = "tool_call"
	RuleHighComplexity = "high_complexity"
	RuleBalanced       = "balanced_default"
)

// Input is the full routing context for one turn.
type Input struct {
	Complexity      float64
	LatencyBudgetMS int
	CostSensitive   bool
	NeedsTools      bool
	PreferredRegion string
}

// Validate enforces routing input invariants.
func (in Input) Validate() error {
	if in.Complexity < 0 || in.Complexity > 1 {
		return fmt.Errorf("complexity must be within [0,1]")
	}
	if in.LatencyBudgetMS < 1 {
		return fmt.Errorf("latency_budget_ms must be >=1")
	}
	if in.PreferredRegion == "" {
		return fmt.Errorf("preferred_region is required")
	}
	return nil
}

// Decision is the routing outcome for one turn. Computed fresh per turn,
// never persisted.
type Decision struct {
	ModelID               string
	Tier                  catalog.Tier
	Region                string
	ReasoningBudgetTokens int
	Degraded              bool
	Rule                  string
}

// Select maps routing context to a (model, region) pair. It is a pure
// function of its inputs plus the injected catalog and availability table:
// no clocks, no I/O, no hidden state.
func Select(cat *catalog.Catalog, avail catalog.Availability, in Input) (Decision, error) {
	if err := in.Validate(); err != nil {
		return Decision{}, err
	}

	model, rule, budget, err := pickModel(cat, in)
	if err != nil {
		return Decision{}, err
	}
	region, degraded := resolveRegion(cat, avail, model.ID, in.PreferredRegion)

	return Decision{
		ModelID:               model.ID,
		Tier:                  model.Tier,
		Region:                region,
		ReasoningBudgetTokens: budget,
		Degraded:              degraded,
		Rule:                  rule,
	}, nil
}

func pickModel(cat *catalog.Catalog, in Input) (catalog.Model, string, int, error) {
	switch {
	case in.Complexity > 0.9 && in.LatencyBudgetMS > 1000:
		model, ok := cat.MostCapableIn(catalog.TierMostCapable)
		if !ok {
			return catalog.Model{}, "", 0, tierEmpty(RuleDeepReasoning, catalog.TierMostCapable)
		}
		budget := 0
		if model.SupportsReasoning {
			budget = DefaultReasoningBudgetTokens
		}
		return model, RuleDeepReasoning, budget, nil

	case in.Complexity < 0.3 && in.LatencyBudgetMS < 150:
		var model catalog.Model
		var ok bool
		if in.CostSensitive {
			model, ok = cat.CheapestIn(catalog.TierFastest)
		} else {
			model, ok = cat.MostCapableIn(catalog.TierFastest)
		}
		if !ok {
			return catalog.Model{}, "", 0, tierEmpty(RuleSnappyExchange, catalog.TierFastest)
		}
		return model, RuleSnappyExchange, 0, nil

	case in.Complexity < 0.6 && in.LatencyBudgetMS < 200:
		model, ok := cat.FirstIn(catalog.TierFast)
		if !ok {
			return catalog.Model{}, "", 0, tierEmpty(RuleFastLane, catalog.TierFast)
		}
		return model, RuleFastLane, 0, nil

	case in.NeedsTools:
		model, ok := cat.ToolCapableIn(catalog.TierBalanced)
		if !ok {
			return catalog.Model{}, "", 0, fmt.Errorf("rule %s: no tool-capable model in tier %s", RuleToolCall, catalog.TierBalanced)
		}
		return model, RuleToolCall, 0, nil

	case in.Complexity > 0.7:
		model, ok := cat.FirstIn(catalog.TierCapable)
		if !ok {
			return catalog.Model{}, "", 0, tierEmpty(RuleHighComplexity, catalog.TierCapable)
		}
		return model, RuleHighComplexity, 0, nil

	default:
		model, ok := cat.FirstIn(catalog.TierBalanced)
		if !ok {
			return catalog.Model{}, "", 0, tierEmpty(RuleBalanced, catalog.TierBalanced)
		}
		return model, RuleBalanced, 0, nil
	}
}

// resolveRegion probes the preferred region, then the fixed fallback order.
// When no region serves the model the decision keeps the original preferred
// region and reports degraded; the caller decides whether to queue or
// reject.
func resolveRegion(cat *catalog.Catalog, avail catalog.Availability, modelID, preferred string) (string, bool) {
	if avail.Available(modelID, preferred) {
		return preferred, false
	}
	for _, region := range cat.RegionFallback() {
		if region == preferred {
			continue
		}
		if avail.Available(modelID, region) {
			return region, false
		}
	}
	return preferred, true
}

func tierEmpty(rule string, tier catalog.Tier) error {
	return fmt.Errorf("rule %s: no models configured in tier %s", rule, tier)
}
