// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"github.com/z5labs/sqslistener"
	"github.com/z5labs/sqslistener/queue"
)

// ErrPoolClosed is returned when submitting a message to a [Pool]
// which has been shut down.
var ErrPoolClosed = errors.New("broker: processing pool is shut down")

// Pool runs a [queue.Processor] for every submitted message on its own
// goroutine. The number of concurrently running handlers is bounded by
// the [Broker] submitting to it, not by the pool.
//
// Handlers receive a context which is independent of the broker, so
// stopping the broker never cancels handlers. Only [Pool.Shutdown] with
// interrupt set does.
type Pool struct {
	log       *slog.Logger
	processor queue.Processor
	resolver  queue.Resolver

	cancel context.CancelFunc
	active atomic.Int64

	mu     sync.Mutex
	closed bool
	pool   *pool.ContextPool
	done   chan struct{}
}

// NewPool returns a pool whose handlers run with a context carrying the
// values of ctx. Cancelling ctx does not cancel handlers.
func NewPool(ctx context.Context, processor queue.Processor, resolver queue.Resolver, opts ...Option) *Pool {
	o := newOptions(opts...)

	handlerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Pool{
		log:       o.log,
		processor: processor,
		resolver:  resolver,
		cancel:    cancel,
		pool:      pool.New().WithContext(handlerCtx),
		done:      make(chan struct{}),
	}
}

// Go processes msg on a new goroutine and calls done once processing
// has finished, whatever its outcome.
func (p *Pool) Go(msg queue.Message, done func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.active.Add(1)
	p.pool.Go(func(ctx context.Context) error {
		defer done()
		defer p.active.Add(-1)

		p.process(ctx, msg)
		return nil
	})
	return nil
}

// Active returns the number of handlers currently running.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Shutdown stops the pool from accepting messages and waits for running
// handlers to return. When interrupt is set the handler context is
// cancelled first. If ctx is done before all handlers return, Shutdown
// returns the context error and the handlers are left running.
//
// Shutdown may be called again, e.g. to interrupt handlers after a
// graceful shutdown timed out.
func (p *Pool) Shutdown(ctx context.Context, interrupt bool) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		go func() {
			defer close(p.done)
			defer p.cancel()

			p.pool.Wait()
		}()
	}
	p.mu.Unlock()

	if interrupt {
		p.cancel()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return nil
	}
}

func (p *Pool) process(ctx context.Context, msg queue.Message) {
	var err error
	var pc panics.Catcher
	pc.Try(func() {
		err = p.processor.Process(ctx, msg, queue.Resolve(p.resolver, msg))
	})
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}
	if err == nil {
		return
	}

	p.log.ErrorContext(
		ctx,
		"failed to process message",
		sqslistener.MessageIDAttr(aws.ToString(msg.MessageId)),
		slog.Any("error", err),
	)
}
