package selector

import (
	"reflect"
	"testing"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/routing/catalog"
)

func defaultView(t *testing.T) (*catalog.Catalog, *catalog.StaticAvailability) {
	t.Helper()
	cat := catalog.Default()
	return cat, catalog.NewStaticAvailability(cat)
}

func TestRuleLadderOrder(t *testing.T) {
	t.Parallel()

	cat, avail := defaultView(t)
	cases := []struct {
		name       string
		in         Input
		wantModel  string
		wantTier   catalog.Tier
		wantRule   string
		wantBudget int
	}{
		{
			"deep reasoning with generous budget",
			Input{Complexity: 0.95, LatencyBudgetMS: 1500, PreferredRegion: "us-east-1"},
			"anthropic.claude-3-7-sonnet-20250219-v1:0", catalog.TierMostCapable, RuleDeepReasoning, DefaultReasoningBudgetTokens,
		},
		{
			"snappy exchange picks most capable fastest",
			Input{Complexity: 0.2, LatencyBudgetMS: 120, PreferredRegion: "us-east-1"},
			"amazon.nova-micro-v1:0", catalog.TierFastest, RuleSnappyExchange, 0,
		},
		{
			"snappy exchange picks cheapest when cost sensitive",
			Input{Complexity: 0.2, LatencyBudgetMS: 120, CostSensitive: true, PreferredRegion: "us-east-1"},
			"amazon.titan-text-lite-v1", catalog.TierFastest, RuleSnappyExchange, 0,
		},
		{
			"fast lane under tight budget",
			Input{Complexity: 0.5, LatencyBudgetMS: 180, PreferredRegion: "us-east-1"},
			"amazon.nova-lite-v1:0", catalog.TierFast, RuleFastLane, 0,
		},
		{
			"fast lane outranks tool need",
			Input{Complexity: 0.5, LatencyBudgetMS: 180, NeedsTools: true, PreferredRegion: "us-east-1"},
			"amazon.nova-lite-v1:0", catalog.TierFast, RuleFastLane, 0,
		},
		{
			"tool call routes to balanced tool-capable",
			Input{Complexity: 0.65, LatencyBudgetMS: 500, NeedsTools: true, PreferredRegion: "us-east-1"},
			"anthropic.claude-3-5-haiku-20241022-v1:0", catalog.TierBalanced, RuleToolCall, 0,
		},
		{
			"high complexity routes to capable",
			Input{Complexity: 0.8, LatencyBudgetMS: 500, PreferredRegion: "us-east-1"},
			"anthropic.claude-3-5-sonnet-20241022-v2:0", catalog.TierCapable, RuleHighComplexity, 0,
		},
		{
			"default routes to balanced",
			Input{Complexity: 0.4, LatencyBudgetMS: 500, PreferredRegion: "us-east-1"},
			"anthropic.claude-3-5-haiku-20241022-v1:0", catalog.TierBalanced, RuleBalanced, 0,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			decision, err := Select(cat, avail, tc.in)
			if err != nil {
				t.Fatalf("select: %v", err)
			}
			if decision.ModelID != tc.wantModel {
				t.Fatalf("model = %s, want %s", decision.ModelID, tc.wantModel)
			}
			if decision.Tier != tc.wantTier || decision.Rule != tc.wantRule {
				t.Fatalf("tier/rule = %s/%s, want %s/%s", decision.Tier, decision.Rule, tc.wantTier, tc.wantRule)
			}
			if decision.ReasoningBudgetTokens != tc.wantBudget {
				t.Fatalf("reasoning budget = %d, want %d", decision.ReasoningBudgetTokens, tc.wantBudget)
			}
			if decision.Degraded {
				t.Fatalf("unexpected degraded decision: %+v", decision)
			}
		})
	}
}

func TestSelectIsPure(t *testing.T) {
	t.Parallel()

	cat, avail := defaultView(t)
	in := Input{Complexity: 0.72, LatencyBudgetMS: 800, NeedsTools: true, PreferredRegion: "us-west-2"}
	first, err := Select(cat, avail, in)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	second, err := Select(cat, avail, in)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical inputs produced different decisions:\n%+v\n%+v", first, second)
	}
}

func TestRegionFallbackWalk(t *testing.T) {
	t.Parallel()

	cat, avail := defaultView(t)

	// claude-3-7-sonnet is not declared in eu-west-1: the walk lands on the
	// first fallback region that serves it.
	decision, err := Select(cat, avail, Input{Complexity: 0.95, LatencyBudgetMS: 1500, PreferredRegion: "eu-west-1"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if decision.Region != "us-east-1" || decision.Degraded {
		t.Fatalf("expected us-east-1 fallback, got %+v", decision)
	}

	preferredServed, err := Select(cat, avail, Input{Complexity: 0.95, LatencyBudgetMS: 1500, PreferredRegion: "us-west-2"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if preferredServed.Region != "us-west-2" || preferredServed.Degraded {
		t.Fatalf("preferred region should win when served, got %+v", preferredServed)
	}
}

func TestDegradedKeepsPreferredRegion(t *testing.T) {
	t.Parallel()

	cat := catalog.Default()
	avail := catalog.NewStaticAvailability(cat)
	for _, region := range []string{"us-east-1", "us-west-2", "eu-west-1"} {
		avail.SetOutage("anthropic.claude-3-7-sonnet-20250219-v1:0", region, true)
	}

	decision, err := Select(cat, avail, Input{Complexity: 0.95, LatencyBudgetMS: 1500, PreferredRegion: "us-west-2"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !decision.Degraded {
		t.Fatalf("expected degraded decision, got %+v", decision)
	}
	if decision.Region != "us-west-2" {
		t.Fatalf("degraded decision must keep the preferred region, got %s", decision.Region)
	}
}

func TestFastAppointmentAskGetsFastestTierNoReasoning(t *testing.T) {
	t.Parallel()

	cat, avail := defaultView(t)
	decision, err := Select(cat, avail, Input{Complexity: 0.054, LatencyBudgetMS: 120, PreferredRegion: "us-east-1"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if decision.Tier != catalog.TierFastest {
		t.Fatalf("expected fastest tier, got %s", decision.Tier)
	}
	if decision.ReasoningBudgetTokens != 0 {
		t.Fatalf("expected no reasoning budget, got %d", decision.ReasoningBudgetTokens)
	}
}

func TestSelectValidatesInput(t *testing.T) {
	t.Parallel()

	cat, avail := defaultView(t)
	cases := []struct {
		name string
		in   Input
	}{
		{"complexity above one", Input{Complexity: 1.2, LatencyBudgetMS: 100, PreferredRegion: "us-east-1"}},
		{"negative complexity", Input{Complexity: -0.1, LatencyBudgetMS: 100, PreferredRegion: "us-east-1"}},
		{"zero budget", Input{Complexity: 0.5, LatencyBudgetMS: 0, PreferredRegion: "us-east-1"}},
		{"missing region", Input{Complexity: 0.5, LatencyBudgetMS: 100}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Select(cat, avail, tc.in); err == nil {
				t.Fatalf("expected %s to fail", tc.name)
			}
		})
	}
}

func TestSelectSurfacesEmptyTierAsError(t *testing.T) {
	t.Parallel()

	doc := catalog.Document{
		SchemaVersion:  "v1.0",
		RegionFallback: []string{"us-east-1"},
		Models: []catalog.Model{{
			ID:                 "only-fast",
			Provider:           "bedrock",
			Tier:               catalog.TierFast,
			MaxOutputTokens:    1024,
			CostPer1MOutputUSD: 0.2,
			Regions:            []string{"us-east-1"},
		}},
	}
	cat, err := catalog.New(doc)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	avail := catalog.NewStaticAvailability(cat)

	if _, err := Select(cat, avail, Input{Complexity: 0.95, LatencyBudgetMS: 1500, PreferredRegion: "us-east-1"}); err == nil {
		t.Fatalf("expected empty most_capable tier to surface as error")
	}
}
