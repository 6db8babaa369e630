// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package sqs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/z5labs/sqslistener/config"
	"github.com/z5labs/sqslistener/queue"
	"github.com/z5labs/sqslistener/queue/broker"
	"github.com/z5labs/sqslistener/queue/container"
	"github.com/z5labs/sqslistener/queue/processor"
	"github.com/z5labs/sqslistener/queue/resolver"
	"github.com/z5labs/sqslistener/queue/retriever"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
)

// RetrieverKind selects how messages are received from a queue.
type RetrieverKind string

const (
	// BatchingRetriever receives messages for groups of waiting handlers.
	BatchingRetriever RetrieverKind = "batching"

	// PrefetchingRetriever keeps a buffer of received messages ahead of demand.
	PrefetchingRetriever RetrieverKind = "prefetching"

	// IndividualRetriever makes one receive call per message.
	IndividualRetriever RetrieverKind = "individual"
)

// ResolverKind selects how resolved messages are deleted.
type ResolverKind string

const (
	// BatchingResolver deletes messages with DeleteMessageBatch calls.
	BatchingResolver ResolverKind = "batching"

	// IndividualResolver deletes every message with its own DeleteMessage call.
	IndividualResolver ResolverKind = "individual"
)

// UnknownRetrieverError is returned when a queue is configured with a
// retriever kind which does not exist.
type UnknownRetrieverError struct {
	Kind RetrieverKind
}

func (e UnknownRetrieverError) Error() string {
	return fmt.Sprintf("sqs: unknown retriever kind: %q", e.Kind)
}

// UnknownResolverError is returned when a queue is configured with a
// resolver kind which does not exist.
type UnknownResolverError struct {
	Kind ResolverKind
}

func (e UnknownResolverError) Error() string {
	return fmt.Sprintf("sqs: unknown resolver kind: %q", e.Kind)
}

// Config holds the readers shared by every queue.
type Config struct {
	// Client is the SQS client used by every queue.
	Client config.Reader[queue.Client]

	// StopTimeout bounds how long each container may take to stop once the
	// application is shutting down. It defaults to 2 minutes.
	StopTimeout config.Reader[time.Duration]
}

// QueueConfig holds the readers for a single queue. Apart from URL,
// Retriever, Resolver, DesiredMinPrefetchedMessages and AutoVisibility,
// which are read once when the container is built, every reader is read
// again each time its value is needed.
type QueueConfig struct {
	URL config.Reader[string]

	// Retriever defaults to [BatchingRetriever].
	Retriever   config.Reader[RetrieverKind]
	Batching    retriever.BatchingProperties
	Prefetching retriever.PrefetchingProperties
	Individual  retriever.IndividualProperties

	// DesiredMinPrefetchedMessages replaces the desired minimum of
	// Prefetching when set.
	DesiredMinPrefetchedMessages config.Reader[int]

	// Resolver defaults to [BatchingResolver].
	Resolver config.Reader[ResolverKind]
	Deletion resolver.BatchingProperties

	Broker    broker.Properties
	Container container.Properties

	// AutoVisibility enables automatic visibility extension of messages
	// while they are processed. It defaults to false.
	AutoVisibility config.Reader[bool]
	Visibility     processor.AutoVisibilityProperties
}

// QueueConfigFromEnv reads the configuration of a queue from environment
// variables sharing prefix, e.g. "ORDERS_" for ORDERS_QUEUE_URL.
//
// Environment Variables (without prefix):
//   - QUEUE_URL: URL of the queue (required)
//   - RETRIEVER: "batching", "prefetching" or "individual"
//   - RECEIVE_BATCH_SIZE, RECEIVE_BATCHING_PERIOD: batching retriever
//   - PREFETCH_MIN, PREFETCH_MAX: prefetching retriever
//   - RECEIVE_WAIT_TIME, RECEIVE_VISIBILITY_TIMEOUT, RECEIVE_ERROR_BACKOFF: every retriever
//   - RESOLVER: "batching" or "individual"
//   - DELETE_BATCH_SIZE, DELETE_BUFFERING_TIME: batching resolver
//   - CONCURRENCY, CONCURRENCY_POLLING_RATE, BROKER_ERROR_BACKOFF: broker
//   - RETRIEVER_SHUTDOWN_TIMEOUT, PROCESSING_SHUTDOWN_TIMEOUT, RESOLVER_SHUTDOWN_TIMEOUT,
//     INTERRUPT_ON_SHUTDOWN, PROCESS_EXTRA_MESSAGES_ON_SHUTDOWN: container
//   - AUTO_VISIBILITY, AUTO_VISIBILITY_TIMEOUT, AUTO_VISIBILITY_MAX_DURATION,
//     AUTO_VISIBILITY_BUFFER: automatic visibility extension
func QueueConfigFromEnv(prefix string) QueueConfig {
	env := func(name string) config.Reader[string] {
		return config.Env(prefix + name)
	}
	duration := func(name string) config.Reader[time.Duration] {
		return config.DurationFromString(env(name))
	}
	integer := func(name string) config.Reader[int] {
		return config.IntFromString(env(name))
	}
	boolean := func(name string) config.Reader[bool] {
		return config.BoolFromString(env(name))
	}

	waitTime := duration("RECEIVE_WAIT_TIME")
	visibilityTimeout := duration("RECEIVE_VISIBILITY_TIMEOUT")
	receiveBackoff := duration("RECEIVE_ERROR_BACKOFF")

	return QueueConfig{
		URL: env("QUEUE_URL"),
		Retriever: config.Map(env("RETRIEVER"), func(_ context.Context, s string) (RetrieverKind, error) {
			return RetrieverKind(strings.ToLower(strings.TrimSpace(s))), nil
		}),
		Batching: retriever.BatchingProperties{
			BatchSize:         integer("RECEIVE_BATCH_SIZE"),
			BatchingPeriod:    duration("RECEIVE_BATCHING_PERIOD"),
			WaitTime:          waitTime,
			VisibilityTimeout: visibilityTimeout,
			ErrorBackoff:      receiveBackoff,
		},
		Prefetching: retriever.PrefetchingProperties{
			MaxPrefetchedMessages: integer("PREFETCH_MAX"),
			WaitTime:              waitTime,
			VisibilityTimeout:     visibilityTimeout,
			ErrorBackoff:          receiveBackoff,
		},
		Individual: retriever.IndividualProperties{
			WaitTime:          waitTime,
			VisibilityTimeout: visibilityTimeout,
			ErrorBackoff:      receiveBackoff,
		},
		DesiredMinPrefetchedMessages: integer("PREFETCH_MIN"),
		Resolver: config.Map(env("RESOLVER"), func(_ context.Context, s string) (ResolverKind, error) {
			return ResolverKind(strings.ToLower(strings.TrimSpace(s))), nil
		}),
		Deletion: resolver.BatchingProperties{
			BufferingSizeLimit: integer("DELETE_BATCH_SIZE"),
			BufferingTime:      duration("DELETE_BUFFERING_TIME"),
		},
		Broker: broker.Properties{
			ConcurrencyLevel:       integer("CONCURRENCY"),
			ConcurrencyPollingRate: duration("CONCURRENCY_POLLING_RATE"),
			ErrorBackoff:           duration("BROKER_ERROR_BACKOFF"),
		},
		Container: container.Properties{
			RetrieverShutdownTimeout:       duration("RETRIEVER_SHUTDOWN_TIMEOUT"),
			ProcessingShutdownTimeout:      duration("PROCESSING_SHUTDOWN_TIMEOUT"),
			ResolverShutdownTimeout:        duration("RESOLVER_SHUTDOWN_TIMEOUT"),
			InterruptOnShutdown:            boolean("INTERRUPT_ON_SHUTDOWN"),
			ProcessExtraMessagesOnShutdown: boolean("PROCESS_EXTRA_MESSAGES_ON_SHUTDOWN"),
		},
		AutoVisibility: boolean("AUTO_VISIBILITY"),
		Visibility: processor.AutoVisibilityProperties{
			VisibilityTimeout: duration("AUTO_VISIBILITY_TIMEOUT"),
			MaxDuration:       duration("AUTO_VISIBILITY_MAX_DURATION"),
			BufferDuration:    duration("AUTO_VISIBILITY_BUFFER"),
		},
	}
}

// StopTimeoutFromEnv reads the container stop timeout from the
// SQS_STOP_TIMEOUT environment variable.
func StopTimeoutFromEnv() config.Reader[time.Duration] {
	return config.DurationFromString(config.Env("SQS_STOP_TIMEOUT"))
}

// Client configures an [awssqs.Client] on top of the default AWS
// configuration chain.
type Client struct {
	// Region overrides the region of the default configuration.
	Region config.Reader[string]

	// Endpoint overrides the SQS service endpoint, e.g. for LocalStack.
	Endpoint config.Reader[string]

	// Credentials overrides the default credential chain.
	Credentials config.Reader[aws.CredentialsProvider]
}

// ClientFromEnv reads the region from AWS_REGION and an optional endpoint
// override from SQS_ENDPOINT_URL. Credentials come from the default chain.
func ClientFromEnv() Client {
	return Client{
		Region:   config.Env("AWS_REGION"),
		Endpoint: config.Env("SQS_ENDPOINT_URL"),
	}
}

// StaticCredentials returns a reader for fixed credentials.
func StaticCredentials(accessKeyID, secretAccessKey string) config.Reader[aws.CredentialsProvider] {
	return config.ReaderOf[aws.CredentialsProvider](
		credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
	)
}

// Read implements the [config.Reader] interface.
func (cfg Client) Read(ctx context.Context) (config.Value[queue.Client], error) {
	var opts []func(*awsconfig.LoadOptions) error

	region, err := config.ReadOr(ctx, "", cfg.Region)
	if err != nil {
		return config.Value[queue.Client]{}, err
	}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	creds, err := config.ReadOr[aws.CredentialsProvider](ctx, nil, cfg.Credentials)
	if err != nil {
		return config.Value[queue.Client]{}, err
	}
	if creds != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	endpoint, err := config.ReadOr(ctx, "", cfg.Endpoint)
	if err != nil {
		return config.Value[queue.Client]{}, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return config.Value[queue.Client]{}, fmt.Errorf("sqs: failed to load aws config: %w", err)
	}

	client := awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return config.ValueOf[queue.Client](client), nil
}
