package telemetry

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// EnvTelemetryEnabled toggles runtime telemetry emission.
	EnvTelemetryEnabled = "VTP_TELEMETRY_ENABLED"
	// EnvTelemetryOTLPHTTPEndpoint sets the OTLP/HTTP endpoint base URL.
	// When unset, events are logged through the runtime logger instead.
	EnvTelemetryOTLPHTTPEndpoint = "VTP_TELEMETRY_OTLP_HTTP_ENDPOINT"
	// EnvTelemetryServiceName overrides the exported service name.
	EnvTelemetryServiceName = "VTP_TELEMETRY_SERVICE_NAME"
	// EnvTelemetryQueueCapacity sets the in-memory queue capacity.
	EnvTelemetryQueueCapacity = "VTP_TELEMETRY_QUEUE_CAPACITY"
	// EnvTelemetryLogSampleRate sets the deterministic debug-log sample rate.
	EnvTelemetryLogSampleRate = "VTP_TELEMETRY_LOG_SAMPLE_RATE"
	// EnvTelemetryExportTimeoutMS sets the export timeout in milliseconds.
	EnvTelemetryExportTimeoutMS = "VTP_TELEMETRY_EXPORT_TIMEOUT_MS"
)

// DefaultServiceName is used when no service name is configured.
const DefaultServiceName = "vtp-runtime"

// RuntimeConfig captures env-configured telemetry settings.
type RuntimeConfig struct {
	Enabled          bool
	OTLPHTTPEndpoint string
	ServiceName      string
	QueueCapacity    int
	LogSampleRate    int
	ExportTimeoutMS  int
}

// RuntimeConfigFromEnv parses telemetry config from the environment.
func RuntimeConfigFromEnv() (RuntimeConfig, error) {
	cfg := RuntimeConfig{
		Enabled:          true,
		OTLPHTTPEndpoint: strings.TrimSpace(os.Getenv(EnvTelemetryOTLPHTTPEndpoint)),
		ServiceName:      strings.TrimSpace(os.Getenv(EnvTelemetryServiceName)),
		QueueCapacity:    256,
		LogSampleRate:    1,
		ExportTimeoutMS:  200,
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryEnabled)); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return RuntimeConfig{}, fmt.Errorf("%s parse error: %w", EnvTelemetryEnabled, err)
		}
		cfg.Enabled = enabled
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryQueueCapacity)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return RuntimeConfig{}, fmt.Errorf("%s must be integer >=1", EnvTelemetryQueueCapacity)
		}
		cfg.QueueCapacity = v
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryLogSampleRate)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return RuntimeConfig{}, fmt.Errorf("%s must be integer >=1", EnvTelemetryLogSampleRate)
		}
		cfg.LogSampleRate = v
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryExportTimeoutMS)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return RuntimeConfig{}, fmt.Errorf("%s must be integer >=1", EnvTelemetryExportTimeoutMS)
		}
		cfg.ExportTimeoutMS = v
	}

	return cfg, nil
}

// NewPipelineFromEnv creates a telemetry pipeline from environment settings.
// A configured OTLP endpoint exports over HTTP; otherwise events are written
// through log. Returns (nil, nil) when telemetry is disabled.
func NewPipelineFromEnv(log *zap.Logger) (*Pipeline, error) {
	cfg, err := RuntimeConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, nil
	}

	var sink Sink
	if cfg.OTLPHTTPEndpoint != "" {
		httpSink, err := NewOTLPHTTPSink(OTLPHTTPSinkConfig{
			Endpoint:    cfg.OTLPHTTPEndpoint,
			ServiceName: cfg.ServiceName,
			Client:      &http.Client{Timeout: time.Duration(cfg.ExportTimeoutMS) * time.Millisecond},
		})
		if err != nil {
			return nil, err
		}
		sink = httpSink
	} else {
		sink = NewZapSink(log)
	}

	return NewPipeline(sink, Config{
		QueueCapacity: cfg.QueueCapacity,
		LogSampleRate: cfg.LogSampleRate,
		ExportTimeout: time.Duration(cfg.ExportTimeoutMS) * time.Millisecond,
	}), nil
}
