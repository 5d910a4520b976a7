// Package observer provides OTEL-based observability for keel runtimes.
//
// It exposes an OTLP-exporting Tracer implementation of keel.Tracer plus
// runtime instruments (queue, DLQ, breaker, agent, tool metrics) via
// OpenTelemetry. Users export to any OTEL-compatible backend by setting
// standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	keel "github.com/keelframe/keel"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	keellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/keelframe/keel/observer"

// Instruments holds all OTEL instruments used by the runtime.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger keellog.Logger

	// Counters
	EventsEnqueued  metric.Int64Counter
	EventsProcessed metric.Int64Counter
	EventsFailed    metric.Int64Counter
	BreakerChanges  metric.Int64Counter
	ScalerChanges   metric.Int64Counter

	// Histograms
	ToolDuration  metric.Float64Histogram
	AgentDuration metric.Float64Histogram
	AgentSteps    metric.Int64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("keel")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	eventsEnqueued, err := meter.Int64Counter("queue.events.enqueued",
		metric.WithDescription("Events accepted by the queue"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	eventsProcessed, err := meter.Int64Counter("queue.events.processed",
		metric.WithDescription("Events handled successfully"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	eventsFailed, err := meter.Int64Counter("queue.events.failed",
		metric.WithDescription("Events that exhausted their retry budget"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	breakerChanges, err := meter.Int64Counter("breaker.state_changes",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, err
	}

	scalerChanges, err := meter.Int64Counter("queue.scaler.adjustments",
		metric.WithDescription("Autoscaler knob adjustments"),
		metric.WithUnit("{adjustment}"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	agentDuration, err := meter.Float64Histogram("agent.duration",
		metric.WithDescription("Agent run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	agentSteps, err := meter.Int64Histogram("agent.iterations",
		metric.WithDescription("Iterations per agent run"),
		metric.WithUnit("{iteration}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          tracer,
		Meter:           meter,
		Logger:          logger,
		EventsEnqueued:  eventsEnqueued,
		EventsProcessed: eventsProcessed,
		EventsFailed:    eventsFailed,
		BreakerChanges:  breakerChanges,
		ScalerChanges:   scalerChanges,
		ToolDuration:    toolDuration,
		AgentDuration:   agentDuration,
		AgentSteps:      agentSteps,
	}, nil
}

// ObserveQueue registers observable gauges that poll the queue's stats on
// each metric collection: depth, processed and failed totals, and the live
// batch size and concurrency knobs.
func (inst *Instruments) ObserveQueue(q *keel.EventQueue) error {
	depth, err := inst.Meter.Int64ObservableGauge("queue.depth",
		metric.WithDescription("Current queue depth"),
		metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	batch, err := inst.Meter.Int64ObservableGauge("queue.batch_size",
		metric.WithDescription("Current batch size knob"))
	if err != nil {
		return err
	}
	conc, err := inst.Meter.Int64ObservableGauge("queue.max_concurrent",
		metric.WithDescription("Current concurrency knob"))
	if err != nil {
		return err
	}

	_, err = inst.Meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		stats := q.Stats()
		o.ObserveInt64(depth, int64(stats.Depth))
		o.ObserveInt64(batch, int64(stats.BatchSize))
		o.ObserveInt64(conc, int64(stats.MaxConcurrent))
		return nil
	}, depth, batch, conc)
	return err
}

// ObserveDLQ registers an observable gauge on the DLQ's size.
func (inst *Instruments) ObserveDLQ(dlq *keel.DeadLetterQueue) error {
	size, err := inst.Meter.Int64ObservableGauge("dlq.size",
		metric.WithDescription("Dead-letter queue size"),
		metric.WithUnit("{item}"))
	if err != nil {
		return err
	}
	_, err = inst.Meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(size, int64(dlq.Size()))
		return nil
	}, size)
	return err
}

// BreakerStateHook returns a state-change callback for
// keel.WithStateChange that counts transitions by breaker name and target
// state.
func (inst *Instruments) BreakerStateHook() func(name string, from, to keel.CircuitState) {
	return func(name string, from, to keel.CircuitState) {
		inst.BreakerChanges.Add(context.Background(), 1, metric.WithAttributes(
			AttrBreakerName.String(name),
			AttrBreakerFrom.String(from.String()),
			AttrBreakerTo.String(to.String()),
		))
	}
}
