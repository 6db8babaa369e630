// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package retriever

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/z5labs/sqslistener/config"
	"github.com/z5labs/sqslistener/queue"
)

const (
	defaultBatchSize            = 5
	defaultBatchingPeriod       = 2 * time.Second
	defaultBatchingErrorBackoff = 10 * time.Second
)

// BatchingProperties configure a [Batching] retriever. Every value is
// read again on each cycle of the background loop and any value which
// cannot be read falls back to its default.
type BatchingProperties struct {
	// BatchSize is the number of waiting Retrieve calls which triggers a
	// receive before the batching period has elapsed. It defaults to 5
	// and is clamped to [0, 10].
	BatchSize config.Reader[int]

	// BatchingPeriod is the longest time a Retrieve call waits for other
	// callers before a receive is made. It defaults to 2s.
	BatchingPeriod config.Reader[time.Duration]

	// WaitTime is the long polling duration of each receive call. It
	// defaults to, and is capped at, 20s.
	WaitTime config.Reader[time.Duration]

	// VisibilityTimeout overrides the queue visibility timeout of
	// received messages when greater than zero.
	VisibilityTimeout config.Reader[time.Duration]

	// ErrorBackoff is the time to wait after a failed receive call.
	// It defaults to 10s.
	ErrorBackoff config.Reader[time.Duration]
}

// Batching is a [queue.AsyncRetriever] which combines concurrent calls
// to Retrieve into a single receive call.
type Batching struct {
	log    *slog.Logger
	opts   *Options
	client queue.Client
	queue  queue.Properties
	props  BatchingProperties

	// waiting is signalled whenever a request is added.
	waiting chan struct{}

	mu       sync.Mutex
	stopped  bool
	requests []*Request
	leftover []queue.Message
}

// NewBatching
func NewBatching(client queue.Client, props queue.Properties, batching BatchingProperties, opts ...Option) *Batching {
	o := newOptions(opts...)
	return &Batching{
		log:     o.log,
		opts:    o,
		client:  client,
		queue:   props,
		props:   batching,
		waiting: make(chan struct{}, 1),
	}
}

// Retrieve implements the [queue.Retriever] interface.
//
// Messages left over from a previous receive are handed out immediately.
// Otherwise the call waits for the next receive made by Run.
func (b *Batching) Retrieve(ctx context.Context) (queue.Message, error) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return queue.Message{}, ErrStopped
	}
	if len(b.leftover) > 0 {
		msg := b.leftover[0]
		b.leftover = b.leftover[1:]
		b.mu.Unlock()
		return msg, nil
	}
	r := NewRequest()
	b.requests = append(b.requests, r)
	b.mu.Unlock()

	select {
	case b.waiting <- struct{}{}:
	default:
	}

	return r.Wait(ctx)
}

// Run implements the [queue.AsyncRetriever] interface.
func (b *Batching) Run(ctx context.Context) []queue.Message {
	for {
		n, err := b.waitForBatch(ctx)
		if err != nil {
			return b.stop()
		}
		if n == 0 {
			continue
		}

		params := b.props.receive().read(ctx, b.log)
		params.maxMessages = n

		out, err := b.client.ReceiveMessage(ctx, receiveInput(b.queue, params))
		if err == nil {
			b.distribute(out)
			continue
		}
		if ctx.Err() != nil {
			return b.stop()
		}

		b.log.ErrorContext(ctx, "failed to receive messages", append(receiveAttrs(b.queue, n), slog.Any("error", err))...)

		backoff := config.ReadOrLog(ctx, b.log, "error_backoff", defaultBatchingErrorBackoff, b.props.ErrorBackoff)
		if backoff < 0 {
			backoff = defaultBatchingErrorBackoff
		}
		if sleep(ctx, b.opts.clock, backoff) != nil {
			return b.stop()
		}
	}
}

// waitForBatch blocks until enough requests are waiting or the batching
// period elapses. It returns the number of messages to receive.
func (b *Batching) waitForBatch(ctx context.Context) (int, error) {
	size := config.ReadOrLog(ctx, b.log, "batch_size", defaultBatchSize, b.props.BatchSize)
	size = min(max(size, 0), queue.MaxNumberOfMessages)

	period := config.ReadOrLog(ctx, b.log, "batching_period", defaultBatchingPeriod, b.props.BatchingPeriod)
	if period < 0 {
		period = defaultBatchingPeriod
	}

	timer := b.opts.clock.NewTimer(period)
	defer timer.Stop()

	for {
		waiting := b.pending()
		if waiting > 0 && waiting >= size {
			return min(waiting, queue.MaxNumberOfMessages), nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-b.waiting:
		case <-timer.Chan():
			return min(b.pending(), queue.MaxNumberOfMessages), nil
		}
	}
}

// pending counts requests still waiting for a message and
// forgets requests whose callers have given up.
func (b *Batching) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := b.requests[:0]
	for _, r := range b.requests {
		if r.abandoned() {
			continue
		}
		live = append(live, r)
	}
	clear(b.requests[len(live):])
	b.requests = live
	return len(b.requests)
}

// distribute hands received messages to the oldest requests first.
// Messages without a request are kept for later Retrieve calls.
func (b *Batching) distribute(out *sqs.ReceiveMessageOutput) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, msg := range out.Messages {
		var r *Request
		for len(b.requests) > 0 && r == nil {
			next := b.requests[0]
			b.requests[0] = nil
			b.requests = b.requests[1:]
			if next.claim() {
				r = next
			}
		}
		if r == nil {
			b.leftover = append(b.leftover, msg)
			continue
		}
		r.deliver(msg)
	}
}

// stop fails all waiting requests and returns the messages which were
// never handed out. It is safe to call more than once.
func (b *Batching) stop() []queue.Message {
	b.mu.Lock()
	b.stopped = true
	requests := b.requests
	leftover := b.leftover
	b.requests = nil
	b.leftover = nil
	b.mu.Unlock()

	for _, r := range requests {
		r.fail(ErrStopped)
	}
	return leftover
}

// Reset implements the [queue.Resetter] interface. Retrieve hands out
// messages again once Reset has been called after Run returned.
func (b *Batching) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = false
}

func (p BatchingProperties) receive() receiveProperties {
	return receiveProperties{
		WaitTime:          p.WaitTime,
		VisibilityTimeout: p.VisibilityTimeout,
	}
}
