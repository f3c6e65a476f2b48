package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/resilience"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/routing/catalog"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/routing/complexity"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/routing/selector"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/turn/request"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/turn/segmenter"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "vtp-cli: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer, _ io.Writer, now func() time.Time) error {
	if len(args) == 0 {
		printUsage(stdout)
		return fmt.Errorf("a command is required")
	}
	switch args[0] {
	case "score":
		return runScore(args[1:], stdout, now)
	case "route":
		return runRoute(args[1:], stdout, now)
	case "plan":
		return runPlan(args[1:], stdout, now)
	case "segment":
		return runSegment(args[1:], stdout, now)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unsupported command %q", args[0])
	}
}

type scoreArtifact struct {
	GeneratedAtUTC  string   `json:"generated_at_utc"`
	Transcript      string   `json:"transcript"`
	Value           float64  `json:"value"`
	WordFactor      float64  `json:"word_factor"`
	PatternFactor   float64  `json:"pattern_factor"`
	ContextFactor   float64  `json:"context_factor"`
	MatchedPatterns []string `json:"matched_patterns,omitempty"`
	ContextRule     string   `json:"context_rule,omitempty"`
}

func runScore(args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("score", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	transcript := fs.String("transcript", "", "caller utterance to score")
	priorTurns := fs.Int("prior-turns", 0, "completed exchanges before this turn")
	tools := fs.Bool("tools", false, "tool usage anticipated")
	multiTurn := fs.Bool("multi-turn", false, "call already has history")
	outPath := fs.String("out", "", "optional artifact path (stdout when empty)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *transcript == "" {
		return fmt.Errorf("score requires -transcript")
	}

	scorer, err := complexity.NewScorer(complexity.DefaultConfig())
	if err != nil {
		return fmt.Errorf("scorer setup: %w", err)
	}
	score := scorer.Score(complexity.Input{
		Transcript:       *transcript,
		PriorTurns:       *priorTurns,
		ToolsAnticipated: *tools,
		MultiTurn:        *multiTurn,
	})

	artifact := scoreArtifact{
		GeneratedAtUTC:  now().UTC().Format(time.RFC3339),
		Transcript:      *transcript,
		Value:           score.Value,
		WordFactor:      score.Factors.Word,
		PatternFactor:   score.Factors.Pattern,
		ContextFactor:   score.Factors.Context,
		MatchedPatterns: score.Factors.MatchedPatterns,
		ContextRule:     score.Factors.ContextRule,
	}
	return emitArtifact(stdout, *outPath, artifact)
}

type routeArtifact struct {
	GeneratedAtUTC        string  `json:"generated_at_utc"`
	Complexity            float64 `json:"complexity"`
	ModelID               string  `json:"model_id"`
	Tier                  string  `json:"tier"`
	Region                string  `json:"region"`
	ReasoningBudgetTokens int     `json:"reasoning_budget_tokens"`
	Degraded              bool    `json:"degraded"`
	Rule                  string  `json:"rule"`
}

func runRoute(args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("route", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	score := fs.Float64("complexity", 0, "complexity score in [0,1]")
	budget := fs.Int("budget-ms", 300, "latency budget in milliseconds")
	costSensitive := fs.Bool("cost-sensitive", false, "prefer cheaper models in the fast tier")
	tools := fs.Bool("tools", false, "turn requires tool support")
	region := fs.String("region", "us-east-1", "preferred region")
	catalogPath := fs.String("catalog", "", "path to model catalog json (built-in when empty)")
	outPath := fs.String("out", "", "optional artifact path (stdout when empty)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cat, err := loadCatalog(*catalogPath)
	if err != nil {
		return err
	}
	decision, err := selector.Select(cat, catalog.NewStaticAvailability(cat), selector.Input{
		Complexity:      *score,
		LatencyBudgetMS: *budget,
		CostSensitive:   *costSensitive,
		NeedsTools:      *tools,
		PreferredRegion: *region,
	})
	if err != nil {
		return fmt.Errorf("route: %w", err)
	}

	artifact := routeArtifact{
		GeneratedAtUTC:        now().UTC().Format(time.RFC3339),
		Complexity:            *score,
		ModelID:               decision.ModelID,
		Tier:                  string(decision.Tier),
		Region:                decision.Region,
		ReasoningBudgetTokens: decision.ReasoningBudgetTokens,
		Degraded:              decision.Degraded,
		Rule:                  decision.Rule,
	}
	return emitArtifact(stdout, *outPath, artifact)
}

type planTarget struct {
	Model  string `json:"model"`
	Region string `json:"region"`
}

type planArtifact struct {
	GeneratedAtUTC        string        `json:"generated_at_utc"`
	Transcript            string        `json:"transcript"`
	Score                 scoreArtifact `json:"score"`
	Route                 routeArtifact `json:"route"`
	System                string        `json:"system"`
	MaxTokens             int           `json:"max_tokens"`
	Temperature           float64       `json:"temperature"`
	ReasoningBudgetTokens int           `json:"reasoning_budget_tokens"`
	FallbackChain         []planTarget  `json:"fallback_chain"`
}

// runPlan walks one utterance through scoring, routing, and request assembly
// without touching any provider, and reports the full turn plan.
func runPlan(args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	transcript := fs.String("transcript", "", "caller utterance to plan")
	budget := fs.Int("budget-ms", 300, "latency budget in milliseconds")
	costSensitive := fs.Bool("cost-sensitive", false, "prefer cheaper models in the fast tier")
	tools := fs.Bool("tools", false, "turn requires tool support")
	priorTurns := fs.Int("prior-turns", 0, "completed exchanges before this turn")
	region := fs.String("region", "us-east-1", "preferred region")
	maxTokens := fs.Int("max-tokens", 0, "requested output ceiling (model default when 0)")
	catalogPath := fs.String("catalog", "", "path to model catalog json (built-in when empty)")
	outPath := fs.String("out", "", "optional artifact path (stdout when empty)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *transcript == "" {
		return fmt.Errorf("plan requires -transcript")
	}

	cat, err := loadCatalog(*catalogPath)
	if err != nil {
		return err
	}
	scorer, err := complexity.NewScorer(complexity.DefaultConfig())
	if err != nil {
		return fmt.Errorf("scorer setup: %w", err)
	}
	score := scorer.Score(complexity.Input{
		Transcript:       *transcript,
		PriorTurns:       *priorTurns,
		ToolsAnticipated: *tools,
		MultiTurn:        *priorTurns > 0,
	})
	decision, err := selector.Select(cat, catalog.NewStaticAvailability(cat), selector.Input{
		Complexity:      score.Value,
		LatencyBudgetMS: *budget,
		CostSensitive:   *costSensitive,
		NeedsTools:      *tools,
		PreferredRegion: *region,
	})
	if err != nil {
		return fmt.Errorf("plan route: %w", err)
	}
	req, err := request.Build(cat, request.Params{
		ModelID:               decision.ModelID,
		Region:                decision.Region,
		Transcript:            *transcript,
		History:               historyOf(*priorTurns),
		MaxTokens:             *maxTokens,
		ReasoningBudgetTokens: decision.ReasoningBudgetTokens,
	})
	if err != nil {
		return fmt.Errorf("plan request: %w", err)
	}
	targets, err := resilience.Chain(cat, decision.ModelID, decision.Region)
	if err != nil {
		return fmt.Errorf("plan chain: %w", err)
	}

	chain := make([]planTarget, 0, len(targets))
	for _, target := range targets {
		chain = append(chain, planTarget{Model: target.Model, Region: target.Region})
	}
	generatedAt := now().UTC().Format(time.RFC3339)
	artifact := planArtifact{
		GeneratedAtUTC: generatedAt,
		Transcript:     *transcript,
		Score: scoreArtifact{
			GeneratedAtUTC:  generatedAt,
			Transcript:      *transcript,
			Value:           score.Value,
			WordFactor:      score.Factors.Word,
			PatternFactor:   score.Factors.Pattern,
			ContextFactor:   score.Factors.Context,
			MatchedPatterns: score.Factors.MatchedPatterns,
			ContextRule:     score.Factors.ContextRule,
		},
		Route: routeArtifact{
			GeneratedAtUTC:        generatedAt,
			Complexity:            score.Value,
			ModelID:               decision.ModelID,
			Tier:                  string(decision.Tier),
			Region:                decision.Region,
			ReasoningBudgetTokens: decision.ReasoningBudgetTokens,
			Degraded:              decision.Degraded,
			Rule:                  decision.Rule,
		},
		System:                req.System,
		MaxTokens:             req.MaxTokens,
		Temperature:           req.Temperature,
		ReasoningBudgetTokens: req.ReasoningBudgetTokens,
		FallbackChain:         chain,
	}
	return emitArtifact(stdout, *outPath, artifact)
}

// historyOf fabricates placeholder history entries so the plan reflects how
// the builder weaves prior turns into the request.
func historyOf(priorTurns int) []contracts.Message {
	history := make([]contracts.Message, 0, priorTurns*2)
	for i := 0; i < priorTurns; i++ {
		history = append(history,
			contracts.Message{Role: contracts.RoleUser, Text: fmt.Sprintf("prior caller turn %d", i+1)},
			contracts.Message{Role: contracts.RoleAssistant, Text: fmt.Sprintf("prior assistant turn %d", i+1)},
		)
	}
	return history
}

type segmentArtifact struct {
	GeneratedAtUTC string         `json:"generated_at_utc"`
	Segments       []segmentEntry `json:"segments"`
}

type segmentEntry struct {
	Seq  int    `json:"seq"`
	Text string `json:"text"`
	Kind string `json:"kind"`
}

func runSegment(args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("segment", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	text := fs.String("text", "", "text to cut into sentences")
	outPath := fs.String("out", "", "optional artifact path (stdout when empty)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *text == "" {
		return fmt.Errorf("segment requires -text")
	}

	splitter := segmenter.New()
	segments := splitter.Feed(*text)
	if tail, ok := splitter.Close(); ok {
		segments = append(segments, tail)
	}

	entries := make([]segmentEntry, 0, len(segments))
	for _, seg := range segments {
		entries = append(entries, segmentEntry{Seq: seg.Seq, Text: seg.Text, Kind: string(seg.Kind)})
	}
	artifact := segmentArtifact{
		GeneratedAtUTC: now().UTC().Format(time.RFC3339),
		Segments:       entries,
	}
	return emitArtifact(stdout, *outPath, artifact)
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return nil, fmt.Errorf("model catalog: %w", err)
	}
	return cat, nil
}

func emitArtifact(stdout io.Writer, path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	if path == "" {
		_, err := fmt.Fprintln(stdout, string(data))
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", path, err)
	}
	_, _ = fmt.Fprintf(stdout, "vtp-cli: artifact written to %s\n", path)
	return nil
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "vtp-cli usage:")
	_, _ = fmt.Fprintln(w, "  vtp-cli score -transcript <text> [-prior-turns <n>] [-tools] [-multi-turn] [-out <path>]")
	_, _ = fmt.Fprintln(w, "  vtp-cli route -complexity <0..1> [-budget-ms <ms>] [-cost-sensitive] [-tools] [-region <region>] [-catalog <path>] [-out <path>]")
	_, _ = fmt.Fprintln(w, "  vtp-cli plan -transcript <text> [-budget-ms <ms>] [-prior-turns <n>] [-tools] [-region <region>] [-max-tokens <n>] [-catalog <path>] [-out <path>]")
	_, _ = fmt.Fprintln(w, "  vtp-cli segment -text <text> [-out <path>]")
}
