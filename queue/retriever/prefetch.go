// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/z5labs/sqslistener/config"
	"github.com/z5labs/sqslistener/queue"
)

const defaultPrefetchErrorBackoff = 2 * time.Second

// ErrInvalidPrefetchProperties is returned by [NewPrefetching] for a
// negative desired minimum.
var ErrInvalidPrefetchProperties = errors.New("retriever: invalid prefetching properties")

// PrefetchingProperties configure a [Prefetching] retriever.
type PrefetchingProperties struct {
	// DesiredMinPrefetchedMessages is the number of messages kept in the
	// local buffer. Receiving more messages only starts once the buffer
	// has dropped below this size. Zero disables buffering so that every
	// received message is handed directly to a waiting Retrieve call.
	DesiredMinPrefetchedMessages int

	// MaxPrefetchedMessages caps the number of buffered messages plus the
	// messages requested by a single receive call. Values lower than the
	// desired minimum, or lower than one, are replaced by
	// max(DesiredMinPrefetchedMessages, 1).
	MaxPrefetchedMessages config.Reader[int]

	// WaitTime is the long polling duration of each receive call. It
	// defaults to, and is capped at, 20s.
	WaitTime config.Reader[time.Duration]

	// VisibilityTimeout overrides the queue visibility timeout of
	// received messages when greater than zero.
	VisibilityTimeout config.Reader[time.Duration]

	// ErrorBackoff is the time to wait after a failed receive call.
	// It defaults to 2s.
	ErrorBackoff config.Reader[time.Duration]
}

// Prefetching is a [queue.AsyncRetriever] which keeps a buffer of
// messages topped up ahead of demand.
//
// Prefetched messages can stay in the buffer long enough for their
// visibility timeout to expire, in which case they may be delivered twice.
type Prefetching struct {
	log     *slog.Logger
	opts    *Options
	client  queue.Client
	queue   queue.Properties
	props   PrefetchingProperties
	matcher *MatchingQueue
}

// NewPrefetching
func NewPrefetching(client queue.Client, props queue.Properties, prefetch PrefetchingProperties, opts ...Option) (*Prefetching, error) {
	if prefetch.DesiredMinPrefetchedMessages < 0 {
		return nil, fmt.Errorf("%w: desired min prefetched messages must be at least 0: %d", ErrInvalidPrefetchProperties, prefetch.DesiredMinPrefetchedMessages)
	}

	o := newOptions(opts...)
	p := &Prefetching{
		log:     o.log,
		opts:    o,
		client:  client,
		queue:   props,
		props:   prefetch,
		matcher: NewMatchingQueue(prefetch.DesiredMinPrefetchedMessages),
	}
	return p, nil
}

// Retrieve implements the [queue.Retriever] interface.
func (p *Prefetching) Retrieve(ctx context.Context) (queue.Message, error) {
	r := NewRequest()
	p.matcher.PushRequest(r)
	return r.Wait(ctx)
}

// Run implements the [queue.AsyncRetriever] interface.
//
// Messages which were received but could not be placed in the buffer
// before ctx was cancelled are returned together with the buffered ones.
func (p *Prefetching) Run(ctx context.Context) []queue.Message {
	unplaced := p.prefetch(ctx)

	buffered := p.matcher.Drain()
	return append(buffered, unplaced...)
}

// Reset implements the [queue.Resetter] interface.
func (p *Prefetching) Reset() {
	p.matcher.Reopen()
}

func (p *Prefetching) prefetch(ctx context.Context) []queue.Message {
	for {
		if err := p.matcher.WaitForCapacity(ctx); err != nil {
			return nil
		}

		n := p.toFetch(ctx)
		params := p.props.receive().read(ctx, p.log)
		params.maxMessages = n

		out, err := p.client.ReceiveMessage(ctx, receiveInput(p.queue, params))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			p.log.ErrorContext(ctx, "failed to receive messages", append(receiveAttrs(p.queue, n), slog.Any("error", err))...)

			backoff := config.ReadOrLog(ctx, p.log, "error_backoff", defaultPrefetchErrorBackoff, p.props.ErrorBackoff)
			if backoff < 0 {
				backoff = defaultPrefetchErrorBackoff
			}
			if sleep(ctx, p.opts.clock, backoff) != nil {
				return nil
			}
			continue
		}

		p.log.DebugContext(ctx, "received messages", receiveAttrs(p.queue, len(out.Messages))...)

		for i, msg := range out.Messages {
			if err := p.matcher.PushMessage(ctx, msg); err != nil {
				return out.Messages[i:]
			}
		}
	}
}

// toFetch returns how many messages the next receive call asks for.
func (p *Prefetching) toFetch(ctx context.Context) int {
	floor := max(p.props.DesiredMinPrefetchedMessages, 1)

	maxPrefetched := config.ReadOrLog(ctx, p.log, "max_prefetched_messages", floor, p.props.MaxPrefetchedMessages)
	if maxPrefetched < floor {
		p.log.WarnContext(
			ctx,
			"max prefetched messages is lower than the desired minimum",
			slog.Int("max_prefetched_messages", maxPrefetched),
			slog.Int("desired_min_prefetched_messages", p.props.DesiredMinPrefetchedMessages),
		)
		maxPrefetched = floor
	}

	slots := maxPrefetched - p.matcher.Buffered()
	return min(max(slots, 1), queue.MaxNumberOfMessages)
}

func (p PrefetchingProperties) receive() receiveProperties {
	return receiveProperties{
		WaitTime:          p.WaitTime,
		VisibilityTimeout: p.VisibilityTimeout,
	}
}
