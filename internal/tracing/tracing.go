// Package tracing wires the pipeline's stage spans to an OTLP HTTP collector.  When no collector is configured the
// otel default (a no-op tracer provider) stays in place, so span creation costs nothing and the pipeline code does
// not need to care whether tracing is on.
package tracing

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/fermitools/table-metrics-push"

// Setup installs a tracer provider that exports to the OTLP HTTP collector at endpoint and returns its shutdown
// function.  An empty endpoint leaves the global no-op provider installed and returns a no-op shutdown.
func Setup(ctx context.Context, endpoint, runID string) (func(context.Context), error) {
	if endpoint == "" {
		return func(context.Context) {}, nil
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return func(context.Context) {}, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("table-metrics-push"),
			semconv.ServiceInstanceIDKey.String(runID),
		)),
	)
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) { tp.Shutdown(ctx) }, nil
}

// StartSpan opens a span named for a pipeline stage on the globally-installed provider
func StartSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, stage)
}

// Fail marks the span as errored and logs msg at Error level through the given logger, with any extra fields
// mirrored onto both the span and the log entry
func Fail(span trace.Span, logger *log.Entry, msg string, fields log.Fields) {
	span, logger = annotate(span, logger, fields)
	span.SetStatus(codes.Error, msg)
	span.RecordError(errString(msg))
	logger.Error(msg)
}

// Succeed marks the span OK and logs msg at Info level, mirroring fields like Fail does
func Succeed(span trace.Span, logger *log.Entry, msg string, fields log.Fields) {
	span, logger = annotate(span, logger, fields)
	span.SetStatus(codes.Ok, msg)
	logger.Info(msg)
}

func annotate(span trace.Span, logger *log.Entry, fields log.Fields) (trace.Span, *log.Entry) {
	for key, value := range fields {
		span.SetAttributes(attribute.KeyValue{Key: attribute.Key(key), Value: attribute.StringValue(fmt.Sprint(value))})
	}
	if len(fields) > 0 {
		logger = logger.WithFields(fields)
	}
	return span, logger
}

type errString string

func (e errString) Error() string { return string(e) }
