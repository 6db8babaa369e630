// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package sqs

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/z5labs/sqslistener/queue"
	"github.com/z5labs/sqslistener/queue/processor"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
	"go.opentelemetry.io/otel/trace"
)

// MessageAttributesCarrier adapts SQS message attributes to a
// [propagation.TextMapCarrier]. Only string attributes are read.
type MessageAttributesCarrier map[string]types.MessageAttributeValue

// Get implements the [propagation.TextMapCarrier] interface.
func (c MessageAttributesCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	return aws.ToString(v.StringValue)
}

// Set implements the [propagation.TextMapCarrier] interface.
func (c MessageAttributesCarrier) Set(key, value string) {
	c[key] = types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(value),
	}
}

// Keys implements the [propagation.TextMapCarrier] interface.
func (c MessageAttributesCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// Inject adds the trace context of ctx to attrs with the global
// propagator so that listeners can link their processing spans to it.
// attrs must not be nil.
func Inject(ctx context.Context, attrs map[string]types.MessageAttributeValue) {
	otel.GetTextMapPropagator().Inject(ctx, MessageAttributesCarrier(attrs))
}

// TelemetryOptions
type TelemetryOptions struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	propagator     propagation.TextMapPropagator
	log            *slog.Logger
}

// TelemetryOption sets a value on [TelemetryOptions].
type TelemetryOption interface {
	ApplyTelemetryOption(*TelemetryOptions)
}

type telemetryOptionFunc func(*TelemetryOptions)

func (f telemetryOptionFunc) ApplyTelemetryOption(o *TelemetryOptions) {
	f(o)
}

// TracerProvider overrides the global tracer provider.
func TracerProvider(tp trace.TracerProvider) TelemetryOption {
	return telemetryOptionFunc(func(o *TelemetryOptions) {
		o.tracerProvider = tp
	})
}

// MeterProvider overrides the global meter provider.
func MeterProvider(mp metric.MeterProvider) TelemetryOption {
	return telemetryOptionFunc(func(o *TelemetryOptions) {
		o.meterProvider = mp
	})
}

// Propagator overrides the global text map propagator.
func Propagator(p propagation.TextMapPropagator) TelemetryOption {
	return telemetryOptionFunc(func(o *TelemetryOptions) {
		o.propagator = p
	})
}

// TelemetryLogger
func TelemetryLogger(log *slog.Logger) TelemetryOption {
	return telemetryOptionFunc(func(o *TelemetryOptions) {
		o.log = log
	})
}

type processing struct {
	span    trace.Span
	started time.Time

	mu     sync.Mutex
	failed bool
}

type processingKey struct{}

// Telemetry is a [processor.Decorator] which records a consumer span along
// with processing and deletion metrics for every message.
type Telemetry struct {
	processor.NopDecorator

	queueName  string
	attrs      []attribute.KeyValue
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	processed metric.Int64Counter
	duration  metric.Float64Histogram
	resolved  metric.Int64Counter
}

// NewTelemetry
func NewTelemetry(props queue.Properties, opts ...TelemetryOption) *Telemetry {
	o := &TelemetryOptions{
		tracerProvider: tracerProvider(),
		meterProvider:  meterProvider(),
		propagator:     otel.GetTextMapPropagator(),
		log:            logger(),
	}
	for _, opt := range opts {
		opt.ApplyTelemetryOption(o)
	}

	m := o.meterProvider.Meter(instrumentationName)

	processed, err := m.Int64Counter(
		"messaging.client.consumed.messages",
		metric.WithDescription("Number of SQS messages handed to a processor"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		o.log.Warn("failed to create consumed messages metric", slog.Any("error", err))
	}

	duration, err := m.Float64Histogram(
		"messaging.process.duration",
		metric.WithDescription("Duration of processing a single SQS message"),
		metric.WithUnit("s"),
	)
	if err != nil {
		o.log.Warn("failed to create process duration metric", slog.Any("error", err))
	}

	resolved, err := m.Int64Counter(
		"sqslistener.messages.resolved",
		metric.WithDescription("Number of SQS messages deleted after being processed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		o.log.Warn("failed to create resolved messages metric", slog.Any("error", err))
	}

	name := QueueName(props.URL)
	return &Telemetry{
		queueName: name,
		attrs: []attribute.KeyValue{
			semconv.MessagingSystemAWSSQS,
			semconv.MessagingDestinationName(name),
		},
		tracer:     o.tracerProvider.Tracer(instrumentationName),
		propagator: o.propagator,
		processed:  processed,
		duration:   duration,
		resolved:   resolved,
	}
}

// OnPreProcess starts the processing span of msg.
func (t *Telemetry) OnPreProcess(ctx context.Context, msg queue.Message) context.Context {
	spanOpts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(t.attrs...),
		trace.WithAttributes(
			semconv.MessagingOperationTypeProcess,
			semconv.MessagingOperationName("process"),
			semconv.MessagingMessageID(aws.ToString(msg.MessageId)),
			semconv.MessagingMessageBodySize(len(aws.ToString(msg.Body))),
		),
	}

	if len(msg.MessageAttributes) > 0 {
		producerCtx := t.propagator.Extract(context.Background(), MessageAttributesCarrier(msg.MessageAttributes))
		if s := trace.SpanContextFromContext(producerCtx); s.IsValid() {
			spanOpts = append(spanOpts, trace.WithLinks(trace.Link{SpanContext: s}))
		}
	}

	spanCtx, span := t.tracer.Start(ctx, "process "+t.queueName, spanOpts...)
	return context.WithValue(spanCtx, processingKey{}, &processing{
		span:    span,
		started: time.Now(),
	})
}

// OnProcessFailure records err on the processing span.
func (t *Telemetry) OnProcessFailure(ctx context.Context, msg queue.Message, err error) {
	p, ok := ctx.Value(processingKey{}).(*processing)
	if !ok {
		return
	}

	p.mu.Lock()
	p.failed = true
	p.mu.Unlock()

	p.span.RecordError(err)
	p.span.SetStatus(codes.Error, err.Error())
}

// OnProcessFinished ends the processing span and records the processing
// metrics of msg.
func (t *Telemetry) OnProcessFinished(ctx context.Context, msg queue.Message) {
	p, ok := ctx.Value(processingKey{}).(*processing)
	if !ok {
		return
	}
	defer p.span.End()

	p.mu.Lock()
	failed := p.failed
	p.mu.Unlock()

	attrs := metric.WithAttributes(slices.Concat(
		t.attrs,
		[]attribute.KeyValue{attribute.String("messaging.process.status", processStatus(failed))},
	)...)

	if t.processed != nil {
		t.processed.Add(ctx, 1, attrs)
	}
	if t.duration != nil {
		t.duration.Record(ctx, time.Since(p.started).Seconds(), attrs)
	}
}

// OnResolveSuccess counts the deletion of msg.
func (t *Telemetry) OnResolveSuccess(ctx context.Context, msg queue.Message) {
	t.recordResolve(ctx, true)
}

// OnResolveFailure counts the failed deletion of msg and adds an event
// to its processing span.
func (t *Telemetry) OnResolveFailure(ctx context.Context, msg queue.Message, err error) {
	if p, ok := ctx.Value(processingKey{}).(*processing); ok {
		p.span.AddEvent("failed to resolve message", trace.WithAttributes(
			attribute.String("error.message", err.Error()),
		))
	}
	t.recordResolve(ctx, false)
}

func (t *Telemetry) recordResolve(ctx context.Context, ok bool) {
	if t.resolved == nil {
		return
	}
	t.resolved.Add(ctx, 1, metric.WithAttributes(slices.Concat(
		t.attrs,
		[]attribute.KeyValue{attribute.String("messaging.process.status", processStatus(!ok))},
	)...))
}

func processStatus(failed bool) string {
	if failed {
		return "failure"
	}
	return "success"
}
