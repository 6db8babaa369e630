// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package sqs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/z5labs/sqslistener"
	"github.com/z5labs/sqslistener/app"
	"github.com/z5labs/sqslistener/config"
	"github.com/z5labs/sqslistener/queue"
	"github.com/z5labs/sqslistener/queue/broker"
	"github.com/z5labs/sqslistener/queue/container"
	"github.com/z5labs/sqslistener/queue/processor"
	"github.com/z5labs/sqslistener/queue/resolver"
	"github.com/z5labs/sqslistener/queue/retriever"
)

// ErrNoQueues is returned by [Build] when no queue has been configured.
var ErrNoQueues = errors.New("sqs: at least one queue must be configured")

// DuplicateQueueError is returned by [Build] when two queues resolve to
// the same container identifier.
type DuplicateQueueError struct {
	ID string
}

func (e DuplicateQueueError) Error() string {
	return fmt.Sprintf("sqs: more than one queue is configured with id: %s", e.ID)
}

// QueueProcessor associates a queue with its processor.
// This is NOT a config.Reader - it's business logic configuration.
type QueueProcessor struct {
	// ID identifies the container of the queue. It defaults to the queue
	// name.
	ID string

	Config    QueueConfig
	Processor queue.Processor

	// Decorators run after the built in telemetry and visibility
	// decorators, in order.
	Decorators []processor.Decorator

	// TelemetryOptions configure the telemetry decorator of the queue.
	TelemetryOptions []TelemetryOption
}

// NewContainer builds the container for a single queue. The container is
// returned stopped.
func NewContainer(ctx context.Context, client queue.Client, qp QueueProcessor) (*container.Container, error) {
	url, err := config.Read(ctx, qp.Config.URL)
	if err != nil {
		return nil, fmt.Errorf("sqs: failed to read queue url: %w", err)
	}
	props := queue.Properties{URL: url}
	log := logger().With(sqslistener.QueueURLAttr(url))

	r, err := newRetriever(ctx, client, props, qp.Config, retriever.Logger(log))
	if err != nil {
		return nil, err
	}
	res, err := newResolver(ctx, client, props, qp.Config, resolver.Logger(log))
	if err != nil {
		return nil, err
	}

	decorators := []processor.Decorator{
		NewTelemetry(props, qp.TelemetryOptions...),
	}

	autoVisibility, err := config.ReadOr(ctx, false, qp.Config.AutoVisibility)
	if err != nil {
		return nil, fmt.Errorf("sqs: failed to read auto visibility: %w", err)
	}
	if autoVisibility {
		decorators = append(decorators, processor.NewAutoVisibilityExtender(
			client,
			props,
			qp.Config.Visibility,
			processor.AutoVisibilityLogger(log),
		))
	}
	decorators = append(decorators, qp.Decorators...)

	id := qp.ID
	if id == "" {
		id = QueueName(url)
	}

	return container.New(
		container.Components{
			Retriever: r,
			Processor: processor.Decorate(qp.Processor, decorators, processor.Logger(log)),
			Resolver:  res,
			Broker:    broker.New(qp.Config.Broker, broker.Logger(log)),
		},
		qp.Config.Container,
		container.ID(id),
		container.Logger(log),
	), nil
}

func newRetriever(ctx context.Context, client queue.Client, props queue.Properties, cfg QueueConfig, opts ...retriever.Option) (queue.Retriever, error) {
	kind, err := config.ReadOr(ctx, BatchingRetriever, cfg.Retriever)
	if err != nil {
		return nil, fmt.Errorf("sqs: failed to read retriever kind: %w", err)
	}

	switch kind {
	case BatchingRetriever:
		return retriever.NewBatching(client, props, cfg.Batching, opts...), nil
	case PrefetchingRetriever:
		prefetch := cfg.Prefetching
		prefetch.DesiredMinPrefetchedMessages, err = config.ReadOr(ctx, prefetch.DesiredMinPrefetchedMessages, cfg.DesiredMinPrefetchedMessages)
		if err != nil {
			return nil, fmt.Errorf("sqs: failed to read desired minimum of prefetched messages: %w", err)
		}
		return retriever.NewPrefetching(client, props, prefetch, opts...)
	case IndividualRetriever:
		return retriever.NewIndividual(client, props, cfg.Individual, opts...), nil
	default:
		return nil, UnknownRetrieverError{Kind: kind}
	}
}

func newResolver(ctx context.Context, client queue.Client, props queue.Properties, cfg QueueConfig, opts ...resolver.Option) (queue.Resolver, error) {
	kind, err := config.ReadOr(ctx, BatchingResolver, cfg.Resolver)
	if err != nil {
		return nil, fmt.Errorf("sqs: failed to read resolver kind: %w", err)
	}

	switch kind {
	case BatchingResolver:
		return resolver.NewBatching(client, props, cfg.Deletion, opts...), nil
	case IndividualResolver:
		return resolver.NewIndividual(client, props, opts...), nil
	default:
		return nil, UnknownResolverError{Kind: kind}
	}
}

// Build creates an app.Builder for a listener of every queue.
//
// Every container is built before any is started. The returned
// coordinator starts them all when run and stops them once the
// application context is cancelled.
func Build(cfg Config, queues []QueueProcessor) app.Builder[*container.Coordinator] {
	return app.BuilderFunc[*container.Coordinator](func(ctx context.Context) (*container.Coordinator, error) {
		if len(queues) == 0 {
			return nil, ErrNoQueues
		}

		client, err := config.Read(ctx, cfg.Client)
		if err != nil {
			return nil, fmt.Errorf("sqs: failed to read client: %w", err)
		}
		stopTimeout, err := config.ReadOr(ctx, 2*time.Minute, cfg.StopTimeout)
		if err != nil {
			return nil, fmt.Errorf("sqs: failed to read stop timeout: %w", err)
		}

		coord := container.NewCoordinator(stopTimeout)
		for _, qp := range queues {
			c, err := NewContainer(ctx, client, qp)
			if err != nil {
				return nil, err
			}
			if _, exists := coord.Container(c.ID()); exists {
				return nil, DuplicateQueueError{ID: c.ID()}
			}
			coord.Add(c)
		}
		return coord, nil
	})
}
