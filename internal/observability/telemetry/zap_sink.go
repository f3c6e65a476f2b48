package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// ZapSink writes telemetry events through the runtime logger. It is the
// default export path for local runs without an OTLP endpoint.
type ZapSink struct {
	log *zap.Logger
}

// NewZapSink wraps a logger as a telemetry sink.
func NewZapSink(log *zap.Logger) *ZapSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapSink{log: log.Named("telemetry")}
}

// Export logs one event at a level matching its kind.
func (s *ZapSink) Export(_ context.Context, event Event) error {
	fields := correlationFields(event.Correlation)
	fields = append(fields, zap.Int64("timestamp_ms", event.TimestampMS))
	switch event.Kind {
	case EventKindMetric:
		if event.Metric != nil {
			fields = append(fields,
				zap.String("name", event.Metric.Name),
				zap.Float64("value", event.Metric.Value),
				zap.String("unit", event.Metric.Unit),
				zap.Any("attributes", event.Metric.Attributes))
		}
		s.log.Info("metric", fields...)
	case EventKindSpan:
		if event.Span != nil {
			fields = append(fields,
				zap.String("name", event.Span.Name),
				zap.String("span_kind", event.Span.Kind),
				zap.Int64("start_ms", event.Span.StartMS),
				zap.Int64("end_ms", event.Span.EndMS),
				zap.Any("attributes", event.Span.Attributes))
		}
		s.log.Debug("span", fields...)
	default:
		if event.Log != nil {
			fields = append(fields,
				zap.String("name", event.Log.Name),
				zap.String("severity", event.Log.Severity),
				zap.String("message", event.Log.Message),
				zap.Any("attributes", event.Log.Attributes))
		}
		s.log.Info("log", fields...)
	}
	return nil
}

func correlationFields(c Correlation) []zap.Field {
	fields := make([]zap.Field, 0, 6)
	if c.CallID != "" {
		fields = append(fields, zap.String("call_id", c.CallID))
	}
	if c.TurnID != "" {
		fields = append(fields, zap.String("turn_id", c.TurnID))
	}
	if c.Model != "" {
		fields = append(fields, zap.String("model", c.Model))
	}
	if c.Region != "" {
		fields = append(fields, zap.String("region", c.Region))
	}
	if c.Provider != "" {
		fields = append(fields, zap.String("provider", c.Provider))
	}
	if c.EmittedBy != "" {
		fields = append(fields, zap.String("emitted_by", c.EmittedBy))
	}
	return fields
}
