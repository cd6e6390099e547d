package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/TimurManjosov/appconfig"

// Tracer returns the SDK tracer from the global provider. Spans are dropped
// unless the embedding application installs a provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
