// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package otel

import (
	"context"
	"errors"
	"io"

	"github.com/z5labs/sqslistener/app"
	"github.com/z5labs/sqslistener/config"
	"github.com/z5labs/sqslistener/internal/try"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// SDK defines the OpenTelemetry SDK configuration readers.
//
// Every field is optional. A nil reader or unset value falls back to:
//   - TextMapPropagator: Composite propagator (Baggage + TraceContext)
//   - TracerProvider: No-op tracer provider
//   - MeterProvider: No-op meter provider
//   - LoggerProvider: No-op logger provider
type SDK struct {
	TextMapPropagator config.Reader[propagation.TextMapPropagator]
	TracerProvider    config.Reader[trace.TracerProvider]
	MeterProvider     config.Reader[metric.MeterProvider]
	LoggerProvider    config.Reader[log.LoggerProvider]

	// Closer is closed after every provider has been shut down.
	Closer io.Closer
}

// SDKFromEnv configures every provider from the OTEL_* environment
// variables documented on the package.
func SDKFromEnv() SDK {
	dialer := NewDialer()
	rsc := ResourceFromEnv()

	return SDK{
		TracerProvider: TracerProvider{
			Dialer:             dialer,
			Resource:           rsc,
			Endpoint:           endpointFromEnv("TRACES"),
			Protocol:           protocolFromEnv("TRACES"),
			SampleRatio:        config.Float64FromString(config.Env("OTEL_TRACES_SAMPLER_RATIO")),
			ExportInterval:     config.DurationFromString(config.Env("OTEL_BSP_EXPORT_INTERVAL")),
			MaxExportBatchSize: config.IntFromString(config.Env("OTEL_BSP_MAX_EXPORT_BATCH_SIZE")),
		},
		MeterProvider: MeterProvider{
			Dialer:         dialer,
			Resource:       rsc,
			Endpoint:       endpointFromEnv("METRICS"),
			Protocol:       protocolFromEnv("METRICS"),
			ExportInterval: config.DurationFromString(config.Env("OTEL_METRIC_EXPORT_INTERVAL")),
		},
		LoggerProvider: LoggerProvider{
			Dialer:         dialer,
			Resource:       rsc,
			Endpoint:       endpointFromEnv("LOGS"),
			Protocol:       protocolFromEnv("LOGS"),
			ExportInterval: config.DurationFromString(config.Env("OTEL_BLP_EXPORT_INTERVAL")),
			Levels:         LogLevelsFromString(config.Env("OTEL_LOG_LEVELS")),
		},
		Closer: dialer,
	}
}

// Runtime registers the OpenTelemetry providers globally, runs an inner
// runtime and shuts the providers down once it returns.
//
// Do not create Runtime directly; use Build to construct it.
type Runtime struct {
	inner             app.Runtime
	textMapPropagator propagation.TextMapPropagator
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	loggerProvider    log.LoggerProvider
	closer            io.Closer
}

// Build wraps builder with OpenTelemetry initialization.
//
// The providers are registered globally before builder runs so that
// loggers, tracers and meters created while building the listener are
// backed by the SDK.
func Build[T app.Runtime](sdk SDK, builder app.Builder[T]) app.Builder[Runtime] {
	return app.BuilderFunc[Runtime](func(ctx context.Context) (Runtime, error) {
		defaultTextMapPropagator := propagation.NewCompositeTextMapPropagator(
			propagation.Baggage{},
			propagation.TraceContext{},
		)
		var defaultTracerProvider trace.TracerProvider = tracenoop.NewTracerProvider()
		var defaultMeterProvider metric.MeterProvider = metricnoop.NewMeterProvider()
		var defaultLoggerProvider log.LoggerProvider = lognoop.NewLoggerProvider()

		tmp, err := config.ReadOr(ctx, defaultTextMapPropagator, sdk.TextMapPropagator)
		if err != nil {
			return Runtime{}, err
		}
		tp, err := config.ReadOr(ctx, defaultTracerProvider, sdk.TracerProvider)
		if err != nil {
			return Runtime{}, err
		}
		mp, err := config.ReadOr(ctx, defaultMeterProvider, sdk.MeterProvider)
		if err != nil {
			return Runtime{}, errors.Join(err, shutdown(tp).Close())
		}
		lp, err := config.ReadOr(ctx, defaultLoggerProvider, sdk.LoggerProvider)
		if err != nil {
			return Runtime{}, errors.Join(err, shutdown(tp, mp).Close())
		}

		otel.SetTextMapPropagator(tmp)
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		global.SetLoggerProvider(lp)

		inner, err := builder.Build(ctx)
		if err != nil {
			return Runtime{}, errors.Join(err, shutdown(tp, mp, lp, sdk.Closer).Close())
		}

		return Runtime{
			inner:             inner,
			textMapPropagator: tmp,
			tracerProvider:    tp,
			meterProvider:     mp,
			loggerProvider:    lp,
			closer:            sdk.Closer,
		}, nil
	})
}

// Run runs the inner runtime. The tracer, meter and logger providers are
// shut down on return, even when the inner runtime fails, and any
// shutdown errors are joined with its error.
func (rt Runtime) Run(ctx context.Context) (err error) {
	defer try.Close(&err, shutdown(
		rt.tracerProvider,
		rt.meterProvider,
		rt.loggerProvider,
		rt.closer,
	))

	return rt.inner.Run(ctx)
}

type shutdowner interface {
	Shutdown(context.Context) error
}

// shutdown flushes and stops every value which supports it, in order.
// Closers are closed after shutdowners.
func shutdown(vs ...any) try.CloserFunc {
	return func() error {
		var allErrors error
		var closers []io.Closer
		for _, v := range vs {
			if c, ok := v.(io.Closer); ok {
				closers = append(closers, c)
				continue
			}

			s, ok := v.(shutdowner)
			if !ok {
				continue
			}
			allErrors = errors.Join(allErrors, s.Shutdown(context.Background()))
		}
		for _, c := range closers {
			allErrors = errors.Join(allErrors, c.Close())
		}
		return allErrors
	}
}
