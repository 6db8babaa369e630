// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package broker dispatches messages from a [queue.Retriever] to a
// processing [Pool] while respecting a concurrency level which may
// change at any time.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sourcegraph/conc"
	"github.com/z5labs/sqslistener"
	"github.com/z5labs/sqslistener/config"
	"github.com/z5labs/sqslistener/queue"
)

const (
	defaultConcurrencyPollingRate = time.Minute
	defaultErrorBackoff           = 10 * time.Second
)

// Properties configure a [Broker]. Every value is read again on each
// iteration of the dispatch loop.
type Properties struct {
	// ConcurrencyLevel is the number of messages which may be processed
	// at the same time. It defaults to 0, which stops messages from being
	// retrieved until it is raised.
	ConcurrencyLevel config.Reader[int]

	// ConcurrencyPollingRate is the longest time the broker waits for a
	// free permit before reading the concurrency level again. It defaults
	// to 1 minute.
	ConcurrencyPollingRate config.Reader[time.Duration]

	// ErrorBackoff is the time to wait after failing to read the
	// concurrency level or to retrieve a message. It defaults to 10s.
	ErrorBackoff config.Reader[time.Duration]
}

// Options
type Options struct {
	log   *slog.Logger
	clock clock.Clock
}

// Option sets a value on [Options].
type Option interface {
	ApplyBrokerOption(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) ApplyBrokerOption(o *Options) {
	f(o)
}

// Logger
func Logger(log *slog.Logger) Option {
	return optionFunc(func(o *Options) {
		o.log = log
	})
}

// Clock configures the clock used for permit polling and error backoff.
func Clock(c clock.Clock) Option {
	return optionFunc(func(o *Options) {
		o.clock = c
	})
}

func newOptions(opts ...Option) *Options {
	o := &Options{
		log:   sqslistener.Logger("github.com/z5labs/sqslistener/queue/broker"),
		clock: clock.WallClock,
	}
	for _, opt := range opts {
		opt.ApplyBrokerOption(o)
	}
	return o
}

// Stats is a snapshot of a [Broker].
type Stats struct {
	// ConcurrencyLevel is the most recently read concurrency level.
	ConcurrencyLevel int

	// InUse is the number of permits held, either by a pending
	// retrieval or by a running handler.
	InUse int
}

// Broker is the dispatch loop which moves messages from a retriever to
// a processing pool. A Broker must not be run more than once at a time.
type Broker struct {
	log   *slog.Logger
	clock clock.Clock
	props Properties
	sem   *semaphore
}

// New
func New(props Properties, opts ...Option) *Broker {
	o := newOptions(opts...)
	return &Broker{
		log:   o.log,
		clock: o.clock,
		props: props,
		sem:   newSemaphore(),
	}
}

// Stats returns the current concurrency level and permit usage.
func (b *Broker) Stats() Stats {
	size, held := b.sem.stats()
	return Stats{
		ConcurrencyLevel: size,
		InUse:            held,
	}
}

// Run dispatches messages until ctx is cancelled or r returns
// [queue.ErrEndOfQueue].
//
// Each iteration acquires a permit and then retrieves a message on its own
// goroutine, so up to the concurrency level of Retrieve calls can be
// waiting at once. The permit is held until the message has been processed.
// Retrieval errors are logged and followed by a backoff; they never stop
// the loop.
//
// Run returns once every retrieval it started has returned. Handlers which
// are still running are left to the pool.
func (b *Broker) Run(ctx context.Context, r queue.Retriever, p *Pool) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	var runErr error
	stop := func(err error) {
		once.Do(func() {
			runErr = err
		})
		cancel()
	}

	wg := conc.NewWaitGroup()
	for loopCtx.Err() == nil {
		level, err := config.ReadOr(loopCtx, 0, b.props.ConcurrencyLevel)
		if err != nil {
			b.log.ErrorContext(ctx, "failed to read concurrency level", slog.Any("error", err))
			b.backoff(loopCtx)
			continue
		}
		if level < 0 {
			b.log.WarnContext(ctx, "concurrency level must not be negative", slog.Int("concurrency_level", level))
			level = 0
		}

		rate := config.ReadOrLog(loopCtx, b.log, "concurrency_polling_rate", defaultConcurrencyPollingRate, b.props.ConcurrencyPollingRate)
		if rate <= 0 {
			rate = defaultConcurrencyPollingRate
		}

		b.sem.resize(level)

		acquired, err := b.sem.tryAcquire(loopCtx, b.clock, rate)
		if err != nil {
			break
		}
		if !acquired {
			continue
		}
		if loopCtx.Err() != nil {
			b.sem.release()
			break
		}

		wg.Go(func() {
			b.dispatch(loopCtx, r, p, stop)
		})
	}

	wg.Wait()
	return runErr
}

// dispatch retrieves a single message and hands it to the pool while
// holding a permit.
func (b *Broker) dispatch(ctx context.Context, r queue.Retriever, p *Pool, stop func(error)) {
	msg, err := r.Retrieve(ctx)
	if errors.Is(err, queue.ErrEndOfQueue) {
		stop(nil)
		b.sem.release()
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			b.log.ErrorContext(ctx, "failed to retrieve message", slog.Any("error", err))
			b.backoff(ctx)
		}
		b.sem.release()
		return
	}

	err = p.Go(msg, b.sem.release)
	if err != nil {
		stop(err)
		b.sem.release()
	}
}

func (b *Broker) backoff(ctx context.Context) {
	d := config.ReadOrLog(ctx, b.log, "error_backoff", defaultErrorBackoff, b.props.ErrorBackoff)
	if d < 0 {
		d = defaultErrorBackoff
	}

	t := b.clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.Chan():
	}
}
