package complexity

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Factor weights are part of the scoring contract: word and pattern factors
// are weighted, the context factor contributes directly.
const (
	wordWeight     = 0.3
	patternWeight  = 0.5
	wordSaturation = 50.0
)

// Input captures everything the scorer may consider for one turn. Malformed
// values degrade to their zero treatment instead of failing: scoring never
// errors.
type Input struct {
	Transcript       string
	PriorTurns       int
	ToolsAnticipated bool
	MultiTurn        bool
}

// Pattern is one complexity signal scanned against the transcript. The
// pattern factor is the matched fraction of the configured table.
type Pattern struct {
	Name       string
	Expression string
}

// RuleKind selects how a context rule matches the input.
type RuleKind string

const (
	RulePriorTurnsAbove  RuleKind = "prior_turns_above"
	RuleToolsAnticipated RuleKind = "tools_anticipated"
	RuleMultiTurn        RuleKind = "multi_turn"
)

// ContextRule is one entry of the ordered, first-match-wins context table.
// The rule order is configuration, not code.
type ContextRule struct {
	Name      string
	Kind      RuleKind
	Threshold int
	Factor    float64
}

// Validate enforces context rule invariants.
func (r ContextRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("context rule requires a name")
	}
	switch r.Kind {
	case RulePriorTurnsAbove, RuleToolsAnticipated, RuleMultiTurn:
	default:
		return fmt.Errorf("context rule %s: unsupported kind %q", r.Name, r.Kind)
	}
	if r.Factor < 0 || r.Factor > 1 {
		return fmt.Errorf("context rule %s: factor must be within [0,1]", r.Name)
	}
	if r.Threshold < 0 {
		return fmt.Errorf("context rule %s: threshold must be >=0", r.Name)
	}
	return nil
}

func (r ContextRule) matches(in Input) bool {
	switch r.Kind {
	case RulePriorTurnsAbove:
		return in.PriorTurns > r.Threshold
	case RuleToolsAnticipated:
		return in.ToolsAnticipated
	case RuleMultiTurn:
		return in.MultiTurn
	default:
		return false
	}
}

// Config carries the scorer's pattern table and ordered context rules.
type Config struct {
	Patterns     []Pattern
	ContextRules []ContextRule
}

// DefaultConfig returns the stock signal patterns and context rule order.
func DefaultConfig() Config {
	return Config{
		Patterns: []Pattern{
			{Name: "analysis", Expression: `(?i)\b(analyze|analysis|explain why|reason about|walk me through)\b`},
			{Name: "troubleshooting", Expression: `(?i)\b(troubleshoot|debug|diagnose|root cause|not working)\b`},
			{Name: "comparison", Expression: `(?i)\b(compare|versus|vs\.?|difference between|pros and cons|better than)\b`},
			{Name: "multi_step", Expression: `(?i)\b(step by step|and then|after that|plan out|in order to)\b`},
			{Name: "calculation", Expression: `(?i)\b(calculate|compute|how many|how much|percentage|average)\b`},
		},
		ContextRules: []ContextRule{
			{Name: "deep_history", Kind: RulePriorTurnsAbove, Threshold: 5, Factor: 0.3},
			{Name: "tools_anticipated", Kind: RuleToolsAnticipated, Factor: 0.4},
			{Name: "multi_turn", Kind: RuleMultiTurn, Factor: 0.2},
		},
	}
}

// Factors breaks a score into its contributions for telemetry and replay.
type Factors struct {
	Word            float64
	Pattern         float64
	Context         float64
	MatchedPatterns []string
	ContextRule     string
}

// Score is the scored complexity of one turn, capped at 1.0.
type Score struct {
	Value   float64
	Factors Factors
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// Scorer scores transcript complexity. It is pure: no clocks, no state
// mutation, same input always yields the same score.
type Scorer struct {
	patterns []compiledPattern
	rules    []ContextRule
}

// NewScorer compiles the pattern table and validates the rule order.
func NewScorer(cfg Config) (*Scorer, error) {
	s := &Scorer{
		patterns: make([]compiledPattern, 0, len(cfg.Patterns)),
		rules:    make([]ContextRule, 0, len(cfg.ContextRules)),
	}
	for _, pattern := range cfg.Patterns {
		if pattern.Name == "" {
			return nil, fmt.Errorf("pattern requires a name")
		}
		re, err := regexp.Compile(pattern.Expression)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", pattern.Name, err)
		}
		s.patterns = append(s.patterns, compiledPattern{name: pattern.Name, re: re})
	}
	for _, rule := range cfg.ContextRules {
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		s.rules = append(s.rules, rule)
	}
	return s, nil
}

// Score computes word, pattern, and context factors for one turn.
func (s *Scorer) Score(in Input) Score {
	if in.PriorTurns < 0 {
		in.PriorTurns = 0
	}

	words := len(strings.Fields(in.Transcript))
	wordFactor := math.Min(float64(words)/wordSaturation, 1.0)

	patternFactor := 0.0
	var matched []string
	if len(s.patterns) > 0 {
		for _, pattern := range s.patterns {
			if pattern.re.MatchString(in.Transcript) {
				matched = append(matched, pattern.name)
			}
		}
		patternFactor = float64(len(matched)) / float64(len(s.patterns))
	}

	contextFactor := 0.0
	contextRule := ""
	for _, rule := range s.rules {
		if rule.matches(in) {
			contextFactor = rule.Factor
			contextRule = rule.Name
			break
		}
	}

	value := wordFactor*wordWeight + patternFactor*patternWeight + contextFactor
	if value > 1.0 {
		value = 1.0
	}

	return Score{
		Value: value,
		Factors: Factors{
			Word:            wordFactor,
			Pattern:         patternFactor,
			Context:         contextFactor,
			MatchedPatterns: matched,
			ContextRule:     contextRule,
		},
	}
}
