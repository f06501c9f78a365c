// Package otel installs the global tracer provider used by the scheduler,
// the assessor and the HTTP handler.
package otel

import (
	"context"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultService = "wellness"

// Config controls tracing setup.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Export, when set, receives pretty-printed spans. Nil keeps spans
	// in-process only; trace ids still reach logs and error bodies.
	Export io.Writer
	// SampleRatio in (0,1]; zero means sample everything.
	SampleRatio float64
}

// Init installs a global tracer provider and W3C trace-context propagation.
// The returned func flushes and stops the provider.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultService
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = os.Getenv("WELLNESS_VERSION")
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithFromEnv(),
		sdkresource.WithProcess(),
		sdkresource.WithHost(),
		sdkresource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}
	if cfg.Export != nil {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Export), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		// one cycle produces a handful of spans
		opts = append(opts, sdktrace.WithBatcher(exp,
			sdktrace.WithMaxExportBatchSize(64),
			sdktrace.WithBatchTimeout(time.Second),
		))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
