// Package observability wires the OpenTelemetry metrics pipeline.
package observability

import (
	"os"
	"strings"

	"github.com/deinte/peppolsub/internal/config"
	"github.com/deinte/peppolsub/internal/observability/metrics"
)

// LoadMetricsConfig derives the metrics exporter settings from the
// environment, falling back to the application identity.
func LoadMetricsConfig(cfg config.Config) metrics.Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "peppolsub"
	}

	return metrics.Config{
		Enabled:          getenvBool("OTEL_ENABLED", false),
		ExporterEndpoint: strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")),
		ExporterProtocol: strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
		ServiceName:      serviceName,
		Environment:      strings.TrimSpace(cfg.Environment),
	}
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
