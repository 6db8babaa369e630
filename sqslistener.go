// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package sqslistener provides a consumer side message processing engine
// for Amazon SQS.
//
// Messages are pulled from a queue by a retriever, dispatched to handlers by a
// concurrency broker and deleted by a resolver once they have been handled
// successfully. A container ties these components together and owns their
// lifecycle.
package sqslistener

import (
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// Logger returns a [slog.Logger] which forwards records to the
// global OpenTelemetry logger provider.
func Logger(name string) *slog.Logger {
	return otelslog.NewLogger(name)
}

// QueueURLAttr returns a slog attribute for the queue URL.
func QueueURLAttr(url string) slog.Attr {
	return slog.String("messaging.destination.name", url)
}

// MessageIDAttr returns a slog attribute for the SQS message id.
func MessageIDAttr(id string) slog.Attr {
	return slog.String("messaging.message.id", id)
}

// ContainerAttr returns a slog attribute for a container identifier.
func ContainerAttr(id string) slog.Attr {
	return slog.String("sqslistener.container.id", id)
}
