// Package telemetrycontext propagates telemetry correlation through call
// contexts so deeply nested provider code can emit correlated events
// without threading identifiers through every signature.
package telemetrycontext

import (
	"context"
	"strings"

	"github.com/tiger/voice-turn-pipeline/internal/observability/telemetry"
)

type correlationKey struct{}

// WithCorrelation attaches correlation to ctx. Fields left empty inherit
// whatever correlation the context already carries.
func WithCorrelation(ctx context.Context, c telemetry.Correlation) context.Context {
	return context.WithValue(ctx, correlationKey{}, Merge(FromContext(ctx), c))
}

// WithTarget stamps the serving provider, model, and region onto the
// context's correlation. Resilience fallback rewrites these per attempt.
func WithTarget(ctx context.Context, provider, model, region string) context.Context {
	return WithCorrelation(ctx, telemetry.Correlation{
		Provider: provider,
		Model:    model,
		Region:   region,
	})
}

// FromContext returns the correlation attached to ctx, zero when absent.
func FromContext(ctx context.Context) telemetry.Correlation {
	if c, ok := ctx.Value(correlationKey{}).(telemetry.Correlation); ok {
		return c
	}
	return telemetry.Correlation{}
}

// Merge overlays b on a: b's non-empty fields win, the rest carry over.
func Merge(a, b telemetry.Correlation) telemetry.Correlation {
	out := a
	if v := strings.TrimSpace(b.CallID); v != "" {
		out.CallID = v
	}
	if v := strings.TrimSpace(b.TurnID); v != "" {
		out.TurnID = v
	}
	if v := strings.TrimSpace(b.Model); v != "" {
		out.Model = v
	}
	if v := strings.TrimSpace(b.Region); v != "" {
		out.Region = v
	}
	if v := strings.TrimSpace(b.Provider); v != "" {
		out.Provider = v
	}
	if v := strings.TrimSpace(b.EmittedBy); v != "" {
		out.EmittedBy = v
	}
	if b.TimestampMS > 0 {
		out.TimestampMS = b.TimestampMS
	}
	return out
}
