// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package otel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/z5labs/sqslistener/config"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/connectivity"
)

type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler {
	return h
}

func (h *captureHandler) WithGroup(string) slog.Handler {
	return h
}

func (h *captureHandler) Records() []slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]slog.Record(nil), h.records...)
}

func attrs(r slog.Record) map[string]slog.Value {
	m := make(map[string]slog.Value)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value
		return true
	})
	return m
}

func TestResource_Read(t *testing.T) {
	t.Run("will default the service name", func(t *testing.T) {
		rsc, err := config.Read(context.Background(), Resource{})
		require.NoError(t, err)

		v, ok := rsc.Set().Value(semconv.ServiceNameKey)
		require.True(t, ok)
		require.Equal(t, defaultServiceName, v.AsString())
	})

	t.Run("will use the service name and version from the environment", func(t *testing.T) {
		t.Setenv("OTEL_SERVICE_NAME", "orders-listener")
		t.Setenv("OTEL_SERVICE_VERSION", "v1.2.3")

		rsc, err := config.Read(context.Background(), ResourceFromEnv())
		require.NoError(t, err)

		name, ok := rsc.Set().Value(semconv.ServiceNameKey)
		require.True(t, ok)
		require.Equal(t, "orders-listener", name.AsString())

		version, ok := rsc.Set().Value(semconv.ServiceVersionKey)
		require.True(t, ok)
		require.Equal(t, "v1.2.3", version.AsString())
	})

	t.Run("will return an error", func(t *testing.T) {
		t.Run("if the service name can not be read", func(t *testing.T) {
			readErr := errors.New("boom")
			_, err := Resource{
				ServiceName: config.ReaderFunc[string](func(context.Context) (config.Value[string], error) {
					return config.Value[string]{}, readErr
				}),
			}.Read(context.Background())
			require.ErrorIs(t, err, readErr)
		})
	})
}

func TestDialer(t *testing.T) {
	t.Run("will share a connection per target", func(t *testing.T) {
		d := NewDialer()

		a, err := d.Dial("localhost:4317")
		require.NoError(t, err)
		b, err := d.Dial("localhost:4317")
		require.NoError(t, err)
		c, err := d.Dial("localhost:4318")
		require.NoError(t, err)

		require.Same(t, a, b)
		require.NotSame(t, a, c)

		require.NoError(t, d.Close())
		require.Equal(t, connectivity.Shutdown, a.GetState())
		require.Equal(t, connectivity.Shutdown, c.GetState())
	})
}

func TestTracerProvider_Read(t *testing.T) {
	t.Run("will return a no-op provider", func(t *testing.T) {
		t.Run("if no endpoint is configured", func(t *testing.T) {
			tp, err := config.Read(context.Background(), TracerProvider{
				Endpoint: config.EmptyReader[string](),
			})
			require.NoError(t, err)
			require.IsType(t, tracenoop.TracerProvider{}, tp)
		})
	})

	t.Run("will return an sdk provider", func(t *testing.T) {
		t.Run("if an endpoint is configured", func(t *testing.T) {
			d := NewDialer()
			defer d.Close()

			tp, err := config.Read(context.Background(), TracerProvider{
				Dialer:   d,
				Resource: config.ReaderOf(resource.Empty()),
				Endpoint: config.ReaderOf("localhost:4317"),
			})
			require.NoError(t, err)
			require.IsType(t, &sdktrace.TracerProvider{}, tp)
		})

		t.Run("if the http protocol is configured", func(t *testing.T) {
			tp, err := config.Read(context.Background(), TracerProvider{
				Resource: config.ReaderOf(resource.Empty()),
				Endpoint: config.ReaderOf("localhost:4318"),
				Protocol: config.ReaderOf(ProtocolHTTP),
			})
			require.NoError(t, err)
			require.IsType(t, &sdktrace.TracerProvider{}, tp)
		})
	})

	t.Run("will return an error", func(t *testing.T) {
		t.Run("if the sample ratio can not be parsed", func(t *testing.T) {
			t.Setenv("OTEL_TRACES_SAMPLER_RATIO", "all")

			_, err := TracerProvider{
				Dialer:      NewDialer(),
				Resource:    config.ReaderOf(resource.Empty()),
				Endpoint:    config.ReaderOf("localhost:4317"),
				SampleRatio: config.Float64FromString(config.Env("OTEL_TRACES_SAMPLER_RATIO")),
			}.Read(context.Background())
			require.Error(t, err)
		})

		t.Run("if the protocol is unknown", func(t *testing.T) {
			_, err := TracerProvider{
				Resource: config.ReaderOf(resource.Empty()),
				Endpoint: config.ReaderOf("localhost:4317"),
				Protocol: config.ReaderOf(Protocol("http/json")),
			}.Read(context.Background())

			var perr UnknownProtocolError
			require.ErrorAs(t, err, &perr)
			require.Equal(t, Protocol("http/json"), perr.Protocol)
		})

		t.Run("if the resource is missing", func(t *testing.T) {
			_, err := TracerProvider{
				Dialer:   NewDialer(),
				Endpoint: config.ReaderOf("localhost:4317"),
			}.Read(context.Background())
			require.ErrorIs(t, err, config.ErrValueNotSet)
		})
	})
}

func TestMeterProvider_Read(t *testing.T) {
	t.Run("will return a no-op provider", func(t *testing.T) {
		t.Run("if no endpoint is configured", func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

			mp, err := config.Read(context.Background(), MeterProvider{
				Endpoint: endpointFromEnv("METRICS"),
			})
			require.NoError(t, err)
			require.IsType(t, metricnoop.MeterProvider{}, mp)
		})
	})

	t.Run("will return an sdk provider", func(t *testing.T) {
		t.Run("if the http protocol is configured", func(t *testing.T) {
			mp, err := config.Read(context.Background(), MeterProvider{
				Resource:       config.ReaderOf(resource.Empty()),
				Endpoint:       config.ReaderOf("localhost:4318"),
				Protocol:       config.ReaderOf(ProtocolHTTP),
				ExportInterval: config.ReaderOf(time.Hour),
			})
			require.NoError(t, err)

			sdkmp, ok := mp.(*sdkmetric.MeterProvider)
			require.True(t, ok)
			require.NoError(t, sdkmp.Shutdown(context.Background()))
		})
	})
}

func TestLoggerProvider_Read(t *testing.T) {
	t.Run("will write records to the fallback handler", func(t *testing.T) {
		t.Run("if no endpoint is configured", func(t *testing.T) {
			h := &captureHandler{}

			lp, err := config.Read(context.Background(), LoggerProvider{
				Resource:       config.ReaderOf(resource.Empty()),
				Endpoint:       config.EmptyReader[string](),
				ExportInterval: config.ReaderOf(time.Hour),
				Fallback:       h,
			})
			require.NoError(t, err)

			logger := otelslog.NewLogger("test", otelslog.WithLoggerProvider(lp))
			logger.Warn("visibility extension failed", slog.String("messaging.message.id", "abc"))

			sdklp, ok := lp.(*sdklog.LoggerProvider)
			require.True(t, ok)
			require.NoError(t, sdklp.ForceFlush(context.Background()))

			records := h.Records()
			require.Len(t, records, 1)
			require.Equal(t, "visibility extension failed", records[0].Message)
			require.Equal(t, slog.LevelWarn, records[0].Level)
			require.Equal(t, "abc", attrs(records[0])["messaging.message.id"].String())
		})
	})
}

func TestSlogExporter_Export(t *testing.T) {
	t.Run("will map record values to slog values", func(t *testing.T) {
		h := &captureHandler{}
		exp := &slogExporter{handler: h}

		var r sdklog.Record
		r.SetTimestamp(time.Unix(10, 0))
		r.SetSeverity(log.SeverityError)
		r.SetBody(log.StringValue("failed to delete message batch"))
		r.AddAttributes(
			log.Int("count", 3),
			log.Bool("sender_fault", true),
			log.Map("entry", log.Int("status", 400)),
		)

		err := exp.Export(context.Background(), []sdklog.Record{r})
		require.NoError(t, err)

		records := h.Records()
		require.Len(t, records, 1)
		require.Equal(t, slog.LevelError, records[0].Level)
		require.Equal(t, time.Unix(10, 0), records[0].Time)

		m := attrs(records[0])
		require.Equal(t, int64(3), m["count"].Int64())
		require.True(t, m["sender_fault"].Bool())
		require.Equal(t, slog.KindGroup, m["entry"].Kind())
		require.Equal(t, int64(400), m["entry"].Group()[0].Value.Int64())
		require.NotContains(t, m, "otel")
	})

	t.Run("will return the handler error", func(t *testing.T) {
		handleErr := errors.New("closed")
		exp := &slogExporter{handler: failingHandler{err: handleErr}}

		var r sdklog.Record
		r.SetSeverity(log.SeverityInfo)
		r.SetBody(log.StringValue("hello"))

		err := exp.Export(context.Background(), []sdklog.Record{r})
		require.ErrorIs(t, err, handleErr)
	})
}

type failingHandler struct {
	slog.Handler
	err error
}

func (h failingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h failingHandler) Handle(context.Context, slog.Record) error {
	return h.err
}

func TestProtocolFromEnv(t *testing.T) {
	t.Run("will prefer the signal specific protocol", func(t *testing.T) {
		t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
		t.Setenv("OTEL_EXPORTER_OTLP_LOGS_PROTOCOL", "http/protobuf")

		logs, err := config.Read(context.Background(), protocolFromEnv("LOGS"))
		require.NoError(t, err)
		require.Equal(t, ProtocolHTTP, logs)

		metrics, err := config.Read(context.Background(), protocolFromEnv("METRICS"))
		require.NoError(t, err)
		require.Equal(t, ProtocolGRPC, metrics)
	})
}

func TestEndpointFromEnv(t *testing.T) {
	t.Run("will prefer the signal specific endpoint", func(t *testing.T) {
		t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
		t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "tempo:4317")

		traces, err := config.Read(context.Background(), endpointFromEnv("TRACES"))
		require.NoError(t, err)
		require.Equal(t, "tempo:4317", traces)

		logs, err := config.Read(context.Background(), endpointFromEnv("LOGS"))
		require.NoError(t, err)
		require.Equal(t, "collector:4317", logs)
	})
}
