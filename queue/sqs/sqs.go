// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package sqs assembles listener containers for Amazon SQS queues.
//
// Each queue is described by a [QueueProcessor] which pairs the business
// logic with a [QueueConfig] of readers. [Build] reads the configuration,
// chooses the retriever and resolver implementations and wraps the
// processor with tracing, metrics and, optionally, automatic visibility
// extension. The result is a [container.Coordinator] which runs every
// queue until the application context is cancelled.
//
// # Example
//
//	cfg := sqs.Config{
//	    Client:      sqs.ClientFromEnv(),
//	    StopTimeout: config.ReaderOf(2 * time.Minute),
//	}
//
//	queues := []sqs.QueueProcessor{
//	    {
//	        Config: sqs.QueueConfigFromEnv("ORDERS_"),
//	        Processor: processor.Handle1(
//	            processor.JSONBody[Order](),
//	            handleOrder,
//	        ),
//	    },
//	}
//
//	err := queue.Run(ctx, sqs.Build(cfg, queues))
//
// # Telemetry
//
// Every message gets a consumer span named "process <queue name>" which is
// linked to the producer span when the message attributes carry a W3C trace
// context. Producers can add one with [Inject].
package sqs

import (
	"log/slog"
	"strings"

	"github.com/z5labs/sqslistener"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/z5labs/sqslistener/queue/sqs"

func logger() *slog.Logger {
	return sqslistener.Logger(instrumentationName)
}

func tracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}

func meterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}

// QueueName returns the last path segment of a queue URL, which is the
// name the queue was created with.
func QueueName(url string) string {
	url = strings.TrimRight(url, "/")
	if i := strings.LastIndexByte(url, '/'); i >= 0 {
		return url[i+1:]
	}
	return url
}
