// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package otel configures the OpenTelemetry SDK for a listener process.
//
// Every signal is exported over OTLP when a collector endpoint is
// configured for it, using gRPC unless the http/protobuf protocol is
// selected. Without an endpoint traces and metrics are disabled and
// log records are written to stdout as JSON, so a listener always has
// somewhere to report its errors.
//
// Environment Variables:
//   - OTEL_SERVICE_NAME: Service name resource attribute, defaults to "sqs-listener"
//   - OTEL_SERVICE_VERSION: Service version resource attribute
//   - OTEL_EXPORTER_OTLP_ENDPOINT: Collector endpoint for every signal
//   - OTEL_EXPORTER_OTLP_TRACES_ENDPOINT: Collector endpoint for traces
//   - OTEL_EXPORTER_OTLP_METRICS_ENDPOINT: Collector endpoint for metrics
//   - OTEL_EXPORTER_OTLP_LOGS_ENDPOINT: Collector endpoint for logs
//   - OTEL_EXPORTER_OTLP_PROTOCOL: "grpc" or "http/protobuf" for every signal
//   - OTEL_EXPORTER_OTLP_TRACES_PROTOCOL: Protocol for traces
//   - OTEL_EXPORTER_OTLP_METRICS_PROTOCOL: Protocol for metrics
//   - OTEL_EXPORTER_OTLP_LOGS_PROTOCOL: Protocol for logs
//   - OTEL_TRACES_SAMPLER_RATIO: Sampling ratio for root spans (0.0 to 1.0)
//   - OTEL_BSP_EXPORT_INTERVAL: Batch span processor export interval
//   - OTEL_BSP_MAX_EXPORT_BATCH_SIZE: Maximum batch size for span exports
//   - OTEL_METRIC_EXPORT_INTERVAL: Metric export interval
//   - OTEL_BLP_EXPORT_INTERVAL: Batch log processor export interval
//   - OTEL_LOG_LEVELS: Minimum log levels by logger name, e.g. "github.com/z5labs/sqslistener/queue=warn"
package otel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/z5labs/sqslistener/concurrent"
	"github.com/z5labs/sqslistener/config"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultServiceName = "sqs-listener"

// Protocol is the transport of an OTLP exporter.
type Protocol string

const (
	ProtocolGRPC Protocol = "grpc"
	ProtocolHTTP Protocol = "http/protobuf"
)

// UnknownProtocolError is returned for a protocol other than
// [ProtocolGRPC] or [ProtocolHTTP].
type UnknownProtocolError struct {
	Protocol Protocol
}

// Error implements the [error] interface.
func (e UnknownProtocolError) Error() string {
	return fmt.Sprintf("otel: unknown otlp protocol: %q", e.Protocol)
}

func readProtocol(ctx context.Context, r config.Reader[Protocol]) (Protocol, error) {
	p, err := config.ReadOr(ctx, ProtocolGRPC, r)
	if err != nil {
		return "", err
	}
	switch p {
	case ProtocolGRPC, ProtocolHTTP:
		return p, nil
	default:
		return "", UnknownProtocolError{Protocol: p}
	}
}

// Resource configures the resource attached to every signal.
type Resource struct {
	ServiceName    config.Reader[string]
	ServiceVersion config.Reader[string]
}

// ResourceFromEnv reads the service name and version from OTEL_SERVICE_NAME
// and OTEL_SERVICE_VERSION.
func ResourceFromEnv() Resource {
	return Resource{
		ServiceName:    config.Env("OTEL_SERVICE_NAME"),
		ServiceVersion: config.Env("OTEL_SERVICE_VERSION"),
	}
}

// Read implements the [config.Reader] interface.
func (cfg Resource) Read(ctx context.Context) (config.Value[*resource.Resource], error) {
	name, err := config.ReadOr(ctx, defaultServiceName, cfg.ServiceName)
	if err != nil {
		return config.Value[*resource.Resource]{}, err
	}
	version, err := config.ReadOr(ctx, "", cfg.ServiceVersion)
	if err != nil {
		return config.Value[*resource.Resource]{}, err
	}

	rsc, err := resource.New(
		ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return config.Value[*resource.Resource]{}, err
	}
	return config.ValueOf(rsc), nil
}

// Dialer shares a single gRPC client connection per collector endpoint
// between the exporters of every signal.
type Dialer struct {
	conns *concurrent.Cache[string, *grpc.ClientConn]
}

// NewDialer
func NewDialer() *Dialer {
	return &Dialer{
		conns: concurrent.NewCache[string, *grpc.ClientConn](),
	}
}

// Dial returns the connection for target, creating it on first use.
// Connections are established lazily by gRPC.
func (d *Dialer) Dial(target string) (*grpc.ClientConn, error) {
	return d.conns.GetOr(target, func() (*grpc.ClientConn, error) {
		return grpc.NewClient(
			target,
			// TODO: support TLS once collectors outside the pod network are needed
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	})
}

// Close closes every connection created by the dialer.
func (d *Dialer) Close() error {
	var errs error
	for target, cc := range d.conns.Snapshot() {
		d.conns.Delete(target)
		errs = errors.Join(errs, cc.Close())
	}
	return errs
}

// TracerProvider configures span export. With no endpoint a no-op
// provider is returned.
type TracerProvider struct {
	Dialer             *Dialer
	Resource           config.Reader[*resource.Resource]
	Endpoint           config.Reader[string]
	Protocol           config.Reader[Protocol]
	SampleRatio        config.Reader[float64]
	ExportInterval     config.Reader[time.Duration]
	MaxExportBatchSize config.Reader[int]
}

// Read implements the [config.Reader] interface.
//
// Defaults:
//   - SampleRatio: 1.0, respecting the sampling decision of a parent span
//   - ExportInterval: 5 seconds
//   - MaxExportBatchSize: 512 spans
func (cfg TracerProvider) Read(ctx context.Context) (config.Value[trace.TracerProvider], error) {
	endpoint, err := config.ReadOr(ctx, "", cfg.Endpoint)
	if err != nil {
		return config.Value[trace.TracerProvider]{}, err
	}
	if endpoint == "" {
		return config.ValueOf[trace.TracerProvider](tracenoop.NewTracerProvider()), nil
	}

	rsc, err := config.Read(ctx, cfg.Resource)
	if err != nil {
		return config.Value[trace.TracerProvider]{}, err
	}
	ratio, err := config.ReadOr(ctx, 1.0, cfg.SampleRatio)
	if err != nil {
		return config.Value[trace.TracerProvider]{}, err
	}
	interval, err := config.ReadOr(ctx, 5*time.Second, cfg.ExportInterval)
	if err != nil {
		return config.Value[trace.TracerProvider]{}, err
	}
	batchSize, err := config.ReadOr(ctx, 512, cfg.MaxExportBatchSize)
	if err != nil {
		return config.Value[trace.TracerProvider]{}, err
	}
	protocol, err := readProtocol(ctx, cfg.Protocol)
	if err != nil {
		return config.Value[trace.TracerProvider]{}, err
	}

	var exp sdktrace.SpanExporter
	switch protocol {
	case ProtocolHTTP:
		exp, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	default:
		var cc *grpc.ClientConn
		cc, err = cfg.Dialer.Dial(endpoint)
		if err != nil {
			return config.Value[trace.TracerProvider]{}, err
		}
		exp, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(cc))
	}
	if err != nil {
		return config.Value[trace.TracerProvider]{}, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(rsc),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(
			exp,
			sdktrace.WithBatchTimeout(interval),
			sdktrace.WithMaxExportBatchSize(batchSize),
		),
	)
	return config.ValueOf[trace.TracerProvider](tp), nil
}

// MeterProvider configures periodic metric export. Go runtime metrics are
// exported alongside the listener metrics. With no endpoint a no-op
// provider is returned.
type MeterProvider struct {
	Dialer         *Dialer
	Resource       config.Reader[*resource.Resource]
	Endpoint       config.Reader[string]
	Protocol       config.Reader[Protocol]
	ExportInterval config.Reader[time.Duration]
}

// Read implements the [config.Reader] interface. The export interval
// defaults to 60 seconds.
func (cfg MeterProvider) Read(ctx context.Context) (config.Value[metric.MeterProvider], error) {
	endpoint, err := config.ReadOr(ctx, "", cfg.Endpoint)
	if err != nil {
		return config.Value[metric.MeterProvider]{}, err
	}
	if endpoint == "" {
		return config.ValueOf[metric.MeterProvider](metricnoop.NewMeterProvider()), nil
	}

	rsc, err := config.Read(ctx, cfg.Resource)
	if err != nil {
		return config.Value[metric.MeterProvider]{}, err
	}
	interval, err := config.ReadOr(ctx, time.Minute, cfg.ExportInterval)
	if err != nil {
		return config.Value[metric.MeterProvider]{}, err
	}
	protocol, err := readProtocol(ctx, cfg.Protocol)
	if err != nil {
		return config.Value[metric.MeterProvider]{}, err
	}

	var exp sdkmetric.Exporter
	switch protocol {
	case ProtocolHTTP:
		exp, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	default:
		var cc *grpc.ClientConn
		cc, err = cfg.Dialer.Dial(endpoint)
		if err != nil {
			return config.Value[metric.MeterProvider]{}, err
		}
		exp, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(cc))
	}
	if err != nil {
		return config.Value[metric.MeterProvider]{}, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(rsc),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exp,
			sdkmetric.WithInterval(interval),
			sdkmetric.WithProducer(runtime.NewProducer()),
		)),
	)
	err = runtime.Start(
		runtime.WithMeterProvider(mp),
		runtime.WithMinimumReadMemStatsInterval(time.Second),
	)
	if err != nil {
		return config.Value[metric.MeterProvider]{}, errors.Join(err, mp.Shutdown(ctx))
	}
	return config.ValueOf[metric.MeterProvider](mp), nil
}

// LoggerProvider configures log record export. With no endpoint records
// are written to Fallback, or to stdout as JSON when Fallback is nil.
type LoggerProvider struct {
	Dialer         *Dialer
	Resource       config.Reader[*resource.Resource]
	Endpoint       config.Reader[string]
	Protocol       config.Reader[Protocol]
	ExportInterval config.Reader[time.Duration]
	Fallback       slog.Handler

	// Levels sets the minimum severity of records by logger name prefix.
	// Loggers without a matching prefix emit every record.
	Levels config.Reader[map[string]log.Severity]
}

// Read implements the [config.Reader] interface. The export interval
// defaults to 1 second.
func (cfg LoggerProvider) Read(ctx context.Context) (config.Value[log.LoggerProvider], error) {
	endpoint, err := config.ReadOr(ctx, "", cfg.Endpoint)
	if err != nil {
		return config.Value[log.LoggerProvider]{}, err
	}
	rsc, err := config.Read(ctx, cfg.Resource)
	if err != nil {
		return config.Value[log.LoggerProvider]{}, err
	}
	interval, err := config.ReadOr(ctx, time.Second, cfg.ExportInterval)
	if err != nil {
		return config.Value[log.LoggerProvider]{}, err
	}
	levels, err := config.ReadOr(ctx, nil, cfg.Levels)
	if err != nil {
		return config.Value[log.LoggerProvider]{}, err
	}
	protocol, err := readProtocol(ctx, cfg.Protocol)
	if err != nil {
		return config.Value[log.LoggerProvider]{}, err
	}

	var exp sdklog.Exporter
	if endpoint == "" {
		h := cfg.Fallback
		if h == nil {
			h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
		}
		exp = &slogExporter{handler: h}
	} else if protocol == ProtocolHTTP {
		exp, err = otlploghttp.New(ctx, otlploghttp.WithEndpoint(endpoint), otlploghttp.WithInsecure())
		if err != nil {
			return config.Value[log.LoggerProvider]{}, err
		}
	} else {
		cc, err := cfg.Dialer.Dial(endpoint)
		if err != nil {
			return config.Value[log.LoggerProvider]{}, err
		}
		exp, err = otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(cc))
		if err != nil {
			return config.Value[log.LoggerProvider]{}, err
		}
	}

	var processor sdklog.Processor = sdklog.NewBatchProcessor(exp, sdklog.WithExportInterval(interval))
	if len(levels) > 0 {
		processor = newFilteringProcessor(processor, levels)
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(rsc),
		sdklog.WithProcessor(processor),
	)
	return config.ValueOf[log.LoggerProvider](lp), nil
}

func endpointFromEnv(signal string) config.Reader[string] {
	return config.Or(
		config.Env("OTEL_EXPORTER_OTLP_"+signal+"_ENDPOINT"),
		config.Env("OTEL_EXPORTER_OTLP_ENDPOINT"),
	)
}

func protocolFromEnv(signal string) config.Reader[Protocol] {
	return config.Map(
		config.Or(
			config.Env("OTEL_EXPORTER_OTLP_"+signal+"_PROTOCOL"),
			config.Env("OTEL_EXPORTER_OTLP_PROTOCOL"),
		),
		func(_ context.Context, s string) (Protocol, error) {
			return Protocol(s), nil
		},
	)
}
