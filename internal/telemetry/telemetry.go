// Package telemetry provides OpenTelemetry tracing and metrics instruments
// for bus dispatch, workflow step execution, and provider calls. Init
// installs the process-wide providers; the bus, the workflow engine and the
// providers do not call the Record* helpers themselves.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/ferretbot/ferretbot"

// Instruments holds the OTEL instruments used throughout the runtime. A
// caller with no configured exporter still gets real spans and metrics,
// just without anywhere to ship them — wiring an OTLP exporter is a
// deployment concern, not a core-package one.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	BusDispatches   metric.Int64Counter
	BusDuration     metric.Float64Histogram
	StepExecutions  metric.Int64Counter
	StepDuration    metric.Float64Histogram
	ProviderCalls   metric.Int64Counter
	ProviderTokens  metric.Int64Counter
	ProviderLatency metric.Float64Histogram
}

// Init configures process-wide trace and meter providers tagged with
// serviceName and returns the derived Instruments plus a shutdown func.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)

	busDispatches, err := meter.Int64Counter("bus.dispatches",
		metric.WithDescription("Event bus handler dispatch count"),
		metric.WithUnit("{dispatch}"))
	if err != nil {
		return nil, err
	}
	busDuration, err := meter.Float64Histogram("bus.dispatch.duration",
		metric.WithDescription("Event bus handler dispatch duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	stepExecutions, err := meter.Int64Counter("workflow.step.executions",
		metric.WithDescription("Workflow step execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	stepDuration, err := meter.Float64Histogram("workflow.step.duration",
		metric.WithDescription("Workflow step execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	providerCalls, err := meter.Int64Counter("provider.requests",
		metric.WithDescription("Model provider chat completion request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	providerTokens, err := meter.Int64Counter("provider.tokens",
		metric.WithDescription("Model provider token usage"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	providerLatency, err := meter.Float64Histogram("provider.duration",
		metric.WithDescription("Model provider chat completion duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          tracer,
		Meter:           meter,
		BusDispatches:   busDispatches,
		BusDuration:     busDuration,
		StepExecutions:  stepExecutions,
		StepDuration:    stepDuration,
		ProviderCalls:   providerCalls,
		ProviderTokens:  providerTokens,
		ProviderLatency: providerLatency,
	}, nil
}

// RecordBusDispatch records one handler dispatch for an event type.
func (i *Instruments) RecordBusDispatch(ctx context.Context, eventType string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("status", status),
	)
	i.BusDispatches.Add(ctx, 1, attrs)
	i.BusDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordStepExecution records one workflow step's outcome.
func (i *Instruments) RecordStepExecution(ctx context.Context, workflowID, stepID, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("step.id", stepID),
		attribute.String("status", status),
	)
	i.StepExecutions.Add(ctx, 1, attrs)
	i.StepDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordProviderCall records one chatCompletion call's outcome and usage.
func (i *Instruments) RecordProviderCall(ctx context.Context, providerName, model string, inputTokens, outputTokens int, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", providerName),
		attribute.String("model", model),
		attribute.String("status", status),
	)
	i.ProviderCalls.Add(ctx, 1, attrs)
	i.ProviderLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	i.ProviderTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(
		attribute.String("provider", providerName),
		attribute.String("model", model),
		attribute.String("direction", "input"),
	))
	i.ProviderTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(
		attribute.String("provider", providerName),
		attribute.String("model", model),
		attribute.String("direction", "output"),
	))
}

// StartSpan starts a span under the runtime's tracer scope.
func (i *Instruments) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return i.Tracer.Start(ctx, name, opts...)
}

// EndSpanWithError records err on span, if non-nil, before ending it.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
