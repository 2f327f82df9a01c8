package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Resource attribute keys describing the hub instance
const (
	UpstreamTypeKey    = attribute.Key("notihub.upstream.type")
	HistoryCapacityKey = attribute.Key("notihub.history.capacity")
)

// Config contains tracing configuration
type Config struct {
	Enabled     bool
	ServiceName string

	// OTLP/gRPC collector address, e.g. localhost:4317
	Endpoint string

	// Fraction of root traces sampled, clamped to [0, 1]
	SamplingRatio float64

	// Exporter connection timeout
	Timeout time.Duration

	// Transport the hub ingests from and the history bound it runs with;
	// both are attached to every exported span
	UpstreamType    string
	HistoryCapacity int

	// Extra resource attributes
	Attributes map[string]string

	// Exporter replaces the OTLP exporter when set. Spans reach it
	// synchronously as they end.
	Exporter sdktrace.SpanExporter
}

// DefaultConfig returns a config with tracing off
func DefaultConfig() Config {
	return Config{
		ServiceName:   "notihub",
		Endpoint:      "localhost:4317",
		SamplingRatio: 0.1,
		Timeout:       5 * time.Second,
		Attributes:    map[string]string{},
	}
}

// Setup installs a global tracer provider and propagator.
// With tracing disabled it changes nothing and returns a no-op shutdown.
func Setup(ctx context.Context, config Config) (shutdown func(context.Context) error, err error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	logger := log.With().Str("component", "telemetry").Logger()

	res, err := resource.New(ctx,
		resource.WithAttributes(resourceAttributes(config)...),
		resource.WithProcessPID(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(newSampler(config.SamplingRatio)),
		sdktrace.WithResource(res),
	}
	if config.Exporter != nil {
		opts = append(opts, sdktrace.WithSyncer(config.Exporter))
	} else {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(config.Endpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithTimeout(config.Timeout),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info().
		Str("endpoint", config.Endpoint).
		Str("upstream", config.UpstreamType).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Tracing enabled")

	return func(ctx context.Context) error {
		logger.Info().Msg("Shutting down tracing")
		return provider.Shutdown(ctx)
	}, nil
}

// resourceAttributes orders the free-form attributes by key so the resource
// is stable between runs
func resourceAttributes(config Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(config.ServiceName)}
	if config.UpstreamType != "" {
		attrs = append(attrs, UpstreamTypeKey.String(config.UpstreamType))
	}
	if config.HistoryCapacity > 0 {
		attrs = append(attrs, HistoryCapacityKey.Int(config.HistoryCapacity))
	}

	keys := make([]string, 0, len(config.Attributes))
	for k := range config.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, config.Attributes[k]))
	}
	return attrs
}

func newSampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// Tracer returns a named tracer from the global provider
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
