// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package retriever provides [queue.Retriever] implementations which
// receive messages from SQS.
//
// [Batching] combines concurrent Retrieve calls into a single receive call
// while [Prefetching] keeps a local buffer of messages topped up ahead of
// demand. Both run a background loop which must be started with Run.
package retriever

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/z5labs/sqslistener"
	"github.com/z5labs/sqslistener/queue"
)

// ErrStopped is returned by Retrieve once the background loop of
// a retriever has exited.
var ErrStopped = errors.New("retriever: stopped")

// Options are the parameters shared by all retrievers.
type Options struct {
	log   *slog.Logger
	clock clock.Clock
}

// Option sets a value on [Options].
type Option interface {
	ApplyRetrieverOption(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) ApplyRetrieverOption(o *Options) {
	f(o)
}

// Logger configures the logger used for reporting receive failures.
func Logger(log *slog.Logger) Option {
	return optionFunc(func(o *Options) {
		o.log = log
	})
}

// Clock configures the clock used for batching periods and error backoff.
func Clock(c clock.Clock) Option {
	return optionFunc(func(o *Options) {
		o.clock = c
	})
}

func newOptions(opts ...Option) *Options {
	o := &Options{
		log:   sqslistener.Logger("github.com/z5labs/sqslistener/queue/retriever"),
		clock: clock.WallClock,
	}
	for _, opt := range opts {
		opt.ApplyRetrieverOption(o)
	}
	return o
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := clk.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}

func receiveAttrs(props queue.Properties, n int) []any {
	return []any{
		sqslistener.QueueURLAttr(props.URL),
		slog.Int("messaging.batch.message_count", n),
	}
}
