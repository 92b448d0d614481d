package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// initTracing installs an OTLP/HTTP tracer provider when
// ASSETSYNC_OTEL_EXPORTER_OTLP_ENDPOINT is set. Otherwise tracing stays a no-op.
func initTracing(ctx context.Context) (func(context.Context) error, error) {
	endpoint := strings.TrimSpace(os.Getenv("ASSETSYNC_OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, exporterOptions(endpoint)...)
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(tracingResource()),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(samplerRatio()))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func exporterOptions(endpoint string) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{}
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(u.Host))
		if path := strings.TrimSpace(u.Path); path != "" && path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(path))
		}
		if strings.EqualFold(u.Scheme, "http") {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	}
	if envBool("ASSETSYNC_OTEL_EXPORTER_OTLP_INSECURE") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

func tracingResource() *resource.Resource {
	serviceName := strings.TrimSpace(os.Getenv("ASSETSYNC_OTEL_SERVICE_NAME"))
	if serviceName == "" {
		serviceName = "assetsync"
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", serviceName)}
	if env := strings.TrimSpace(os.Getenv("ASSETSYNC_ENV")); env != "" {
		attrs = append(attrs, attribute.String("deployment.environment", env))
	}
	return resource.NewWithAttributes("", attrs...)
}

// samplerRatio reads ASSETSYNC_OTEL_TRACES_SAMPLER_RATIO, defaulting to
// sampling everything.
func samplerRatio() float64 {
	raw := strings.TrimSpace(os.Getenv("ASSETSYNC_OTEL_TRACES_SAMPLER_RATIO"))
	if raw == "" {
		return 1
	}
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return 1
	}
	return ratio
}

func envBool(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
