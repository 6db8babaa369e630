// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package retriever

import (
	"context"
	"log/slog"
	"time"

	"github.com/z5labs/sqslistener/config"
	"github.com/z5labs/sqslistener/queue"
)

const defaultIndividualErrorBackoff = 2 * time.Second

// IndividualProperties configure an [Individual] retriever.
type IndividualProperties struct {
	WaitTime          config.Reader[time.Duration]
	VisibilityTimeout config.Reader[time.Duration]
	ErrorBackoff      config.Reader[time.Duration]
}

// Individual is a [queue.Retriever] which makes a receive call for a
// single message every time Retrieve is called. It has no background loop.
type Individual struct {
	log    *slog.Logger
	opts   *Options
	client queue.Client
	queue  queue.Properties
	props  IndividualProperties
}

// NewIndividual
func NewIndividual(client queue.Client, props queue.Properties, individual IndividualProperties, opts ...Option) *Individual {
	o := newOptions(opts...)
	return &Individual{
		log:    o.log,
		opts:   o,
		client: client,
		queue:  props,
		props:  individual,
	}
}

// Retrieve implements the [queue.Retriever] interface. It long polls
// until a message is received or ctx is cancelled.
func (r *Individual) Retrieve(ctx context.Context) (queue.Message, error) {
	for {
		params := receiveProperties{
			WaitTime:          r.props.WaitTime,
			VisibilityTimeout: r.props.VisibilityTimeout,
		}.read(ctx, r.log)
		params.maxMessages = 1

		out, err := r.client.ReceiveMessage(ctx, receiveInput(r.queue, params))
		if err == nil && len(out.Messages) > 0 {
			return out.Messages[0], nil
		}
		if ctx.Err() != nil {
			return queue.Message{}, ctx.Err()
		}
		if err == nil {
			continue
		}

		r.log.ErrorContext(ctx, "failed to receive message", append(receiveAttrs(r.queue, 1), slog.Any("error", err))...)

		backoff := config.ReadOrLog(ctx, r.log, "error_backoff", defaultIndividualErrorBackoff, r.props.ErrorBackoff)
		if backoff < 0 {
			backoff = defaultIndividualErrorBackoff
		}
		if err := sleep(ctx, r.opts.clock, backoff); err != nil {
			return queue.Message{}, err
		}
	}
}
