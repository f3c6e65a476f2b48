package main

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := run(args, &out, &errOut, fixedNow)
	return out.String(), err
}

func TestRunRequiresCommand(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t)
	if err == nil {
		t.Fatalf("expected missing command to fail")
	}
	if !strings.Contains(out, "vtp-cli usage:") {
		t.Fatalf("usage not printed: %s", out)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	t.Parallel()

	if _, err := runCLI(t, "transcode"); err == nil {
		t.Fatalf("expected unknown command to fail")
	}
}

func TestScoreShortUtterance(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t, "score", "-transcript", "what time is it")
	if err != nil {
		t.Fatalf("score: %v", err)
	}

	var artifact scoreArtifact
	if err := json.Unmarshal([]byte(out), &artifact); err != nil {
		t.Fatalf("decode artifact: %v\n%s", err, out)
	}
	// Four words, no pattern or context signal: 4/50 * 0.3.
	if math.Abs(artifact.Value-0.024) > 1e-9 {
		t.Fatalf("unexpected score %v", artifact.Value)
	}
	if artifact.GeneratedAtUTC != "2026-03-14T10:30:00Z" {
		t.Fatalf("unexpected timestamp %q", artifact.GeneratedAtUTC)
	}
}

func TestScoreRequiresTranscript(t *testing.T) {
	t.Parallel()

	if _, err := runCLI(t, "score"); err == nil {
		t.Fatalf("expected missing transcript to fail")
	}
}

func TestScoreContextRules(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t, "score", "-transcript", "ok", "-tools")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	var artifact scoreArtifact
	if err := json.Unmarshal([]byte(out), &artifact); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if artifact.ContextRule != "tools_anticipated" {
		t.Fatalf("unexpected context rule %q", artifact.ContextRule)
	}
	if artifact.ContextFactor != 0.4 {
		t.Fatalf("unexpected context factor %v", artifact.ContextFactor)
	}
}

func TestRouteLowComplexityPicksFastestTier(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t, "route", "-complexity", "0.1", "-budget-ms", "120")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	var artifact routeArtifact
	if err := json.Unmarshal([]byte(out), &artifact); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if artifact.Tier != "fastest" {
		t.Fatalf("unexpected tier %q", artifact.Tier)
	}
	if artifact.Region != "us-east-1" {
		t.Fatalf("unexpected region %q", artifact.Region)
	}
	if artifact.ReasoningBudgetTokens != 0 {
		t.Fatalf("reasoning budget should be zero for fast lane, got %d", artifact.ReasoningBudgetTokens)
	}
}

func TestRouteHighComplexityGetsReasoningBudget(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t, "route", "-complexity", "0.95", "-budget-ms", "2000")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	var artifact routeArtifact
	if err := json.Unmarshal([]byte(out), &artifact); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if artifact.Tier != "most_capable" {
		t.Fatalf("unexpected tier %q", artifact.Tier)
	}
	if artifact.ReasoningBudgetTokens == 0 {
		t.Fatalf("expected a reasoning budget for deep reasoning route")
	}
}

func TestPlanProducesFullArtifact(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t, "plan",
		"-transcript", "what are your hours on weekends please tell me",
		"-budget-ms", "120",
	)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var artifact planArtifact
	if err := json.Unmarshal([]byte(out), &artifact); err != nil {
		t.Fatalf("decode artifact: %v\n%s", err, out)
	}
	// Nine words: 9/50 * 0.3.
	if math.Abs(artifact.Score.Value-0.054) > 1e-9 {
		t.Fatalf("unexpected score %v", artifact.Score.Value)
	}
	if artifact.Route.Tier != "fastest" {
		t.Fatalf("unexpected tier %q", artifact.Route.Tier)
	}
	if artifact.System == "" {
		t.Fatalf("expected system prompt in plan")
	}
	if artifact.MaxTokens == 0 {
		t.Fatalf("expected a resolved token ceiling")
	}
	if len(artifact.FallbackChain) == 0 {
		t.Fatalf("expected a fallback chain")
	}
	first := artifact.FallbackChain[0]
	if first.Model != artifact.Route.ModelID || first.Region != artifact.Route.Region {
		t.Fatalf("chain must start at the routed target, got %+v", first)
	}
}

func TestPlanWeavesHistory(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t, "plan", "-transcript", "and what about tomorrow", "-prior-turns", "2")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var artifact planArtifact
	if err := json.Unmarshal([]byte(out), &artifact); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if artifact.Score.ContextRule == "" {
		t.Fatalf("expected a context rule for a multi-turn call")
	}
}

func TestSegmentNumbersSentences(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t, "segment", "-text", "Hello world. How are you? Fine")
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	var artifact segmentArtifact
	if err := json.Unmarshal([]byte(out), &artifact); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if len(artifact.Segments) != 3 {
		t.Fatalf("expected three segments, got %+v", artifact.Segments)
	}
	if artifact.Segments[0].Text != "Hello world." || artifact.Segments[0].Seq != 1 {
		t.Fatalf("unexpected first segment %+v", artifact.Segments[0])
	}
	if artifact.Segments[1].Text != " How are you?" {
		t.Fatalf("unexpected second segment %+v", artifact.Segments[1])
	}
	if artifact.Segments[2].Kind != "remainder" || artifact.Segments[2].Text != " Fine" {
		t.Fatalf("unexpected tail segment %+v", artifact.Segments[2])
	}
}

func TestArtifactWrittenToFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "artifacts", "score.json")
	out, err := runCLI(t, "score", "-transcript", "hello", "-out", path)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Fatalf("expected confirmation with path, got %s", out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var artifact scoreArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		t.Fatalf("decode artifact file: %v", err)
	}
	if artifact.Transcript != "hello" {
		t.Fatalf("unexpected artifact contents %+v", artifact)
	}
}

func TestRouteWithCatalogFile(t *testing.T) {
	t.Parallel()

	if _, err := runCLI(t, "route", "-complexity", "0.5", "-catalog", filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected missing catalog file to fail")
	}
}
