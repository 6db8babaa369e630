// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package queue

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Limits imposed by the SQS service on a single receive call.
const (
	MaxNumberOfMessages = 10
	MaxWaitTimeSeconds  = 20
)

// ErrEndOfQueue should be returned by [Retriever]s which are reading
// from a finite source of messages. It signals the broker to stop
// dispatching and return.
var ErrEndOfQueue = errors.New("queue: no more messages")

// Message is a single delivery of an SQS message.
type Message = types.Message

// Properties identifies the queue being listened to.
type Properties struct {
	URL string
}

// Client is the subset of the SQS API used for listening to a queue.
// It is satisfied by [*sqs.Client].
type Client interface {
	ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(context.Context, *sqs.DeleteMessageInput, ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	DeleteMessageBatch(context.Context, *sqs.DeleteMessageBatchInput, ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(context.Context, *sqs.ChangeMessageVisibilityInput, ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	ChangeMessageVisibilityBatch(context.Context, *sqs.ChangeMessageVisibilityBatchInput, ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// Retriever hands out messages one at a time.
//
// Retrieve blocks until a message is available or the context is cancelled.
// Implementations reading from a finite source return [ErrEndOfQueue] once it
// has been exhausted.
type Retriever interface {
	Retrieve(context.Context) (Message, error)
}

// RetrieverFunc is an adapter to allow the use of ordinary functions as [Retriever]s.
type RetrieverFunc func(context.Context) (Message, error)

// Retrieve implements the [Retriever] interface.
func (f RetrieverFunc) Retrieve(ctx context.Context) (Message, error) {
	return f(ctx)
}

// AsyncRetriever is a [Retriever] which fetches messages on a background loop.
//
// Run blocks until the context is cancelled. It returns any messages which
// were fetched from the queue but never handed out by Retrieve.
type AsyncRetriever interface {
	Retriever

	Run(context.Context) []Message
}

// ResolveFunc marks the message currently being processed as successfully
// handled so that it is removed from the queue.
type ResolveFunc func(context.Context) error

// Processor implements the business logic for handling a single message.
//
// Processors decide whether a message should be resolved by calling the
// given [ResolveFunc]. Returned errors are reported by the caller and never
// stop message dispatching.
type Processor interface {
	Process(context.Context, Message, ResolveFunc) error
}

// ProcessorFunc is an adapter to allow the use of ordinary functions as [Processor]s.
type ProcessorFunc func(context.Context, Message, ResolveFunc) error

// Process implements the [Processor] interface.
func (f ProcessorFunc) Process(ctx context.Context, msg Message, resolve ResolveFunc) error {
	return f(ctx, msg, resolve)
}

// Resolver removes successfully processed messages from the queue.
type Resolver interface {
	Resolve(context.Context, Message) error
}

// ResolverFunc is an adapter to allow the use of ordinary functions as [Resolver]s.
type ResolverFunc func(context.Context, Message) error

// Resolve implements the [Resolver] interface.
func (f ResolverFunc) Resolve(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Runner is implemented by components which need a background loop,
// for example a [Resolver] which batches deletions.
//
// Run blocks until the context is cancelled and all buffered work
// has been flushed.
type Runner interface {
	Run(context.Context) error
}

// Resetter is implemented by components which refuse work once their
// background loop has exited. Reset reopens them so that the loop can be
// run again, e.g. when a stopped container is restarted. It must be called
// before the loop is started.
type Resetter interface {
	Reset()
}

// Resolve returns a [ResolveFunc] which resolves msg with r.
func Resolve(r Resolver, msg Message) ResolveFunc {
	return func(ctx context.Context) error {
		return r.Resolve(ctx, msg)
	}
}
