// Package obs wires up OpenTelemetry tracing, metrics, and logs for the
// mesh. Every process that embeds the mesh calls Init once at startup;
// when OTEL_EXPORTER_OTLP_ENDPOINT is unset the returned providers are
// noop and carry no overhead.
package obs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ShutdownFunc flushes and tears down every provider Init configured. It
// is a no-op, and safe to call, when no exporter was ever set up.
type ShutdownFunc func(context.Context) error

// Tracers used across the mesh's components, mirroring the teacher's
// per-package otel.Tracer(...) convention.
var (
	StunTracer       = otel.Tracer("omerta.stun")
	HolepunchTracer  = otel.Tracer("omerta.holepunch")
	PathmgrTracer    = otel.Tracer("omerta.pathmgr")
	RelayTracer      = otel.Tracer("omerta.relay")
	RendezvousTracer = otel.Tracer("omerta.rendezvous")
)

// Init configures global trace/metric/log providers from the standard
// OTEL_EXPORTER_OTLP_ENDPOINT environment variable, using OTLP-over-HTTP
// exporters. Returns a noop shutdown func when the endpoint is unset.
func Init(ctx context.Context, serviceName, serviceVersion string) (ShutdownFunc, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: build resource: %w", err)
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("obs: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("obs: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("obs: log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	log.Printf("[obs] telemetry initialized: service=%s", serviceName)

	return func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}, nil
}
