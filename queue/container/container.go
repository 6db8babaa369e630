// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package container wires a retriever, a broker, a processor and a resolver
// into a listener which can be started and stopped.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/z5labs/sqslistener"
	"github.com/z5labs/sqslistener/config"
	"github.com/z5labs/sqslistener/health"
	"github.com/z5labs/sqslistener/queue"
	"github.com/z5labs/sqslistener/queue/broker"
	"github.com/z5labs/sqslistener/queue/retriever"
)

const defaultShutdownTimeout = 60 * time.Second

// ErrStopping is returned by [Container.Start] while a previous run is
// still shutting down.
var ErrStopping = errors.New("container: still stopping")

// State of a [Container].
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

// String implements the [fmt.Stringer] interface.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Properties configure the shutdown of a [Container]. They are read once
// per shutdown.
type Properties struct {
	// RetrieverShutdownTimeout bounds the wait for the retriever loop to
	// exit. It defaults to 60s.
	RetrieverShutdownTimeout config.Reader[time.Duration]

	// ProcessingShutdownTimeout bounds the processing of extra messages
	// and, separately, the wait for running handlers. It defaults to 60s.
	ProcessingShutdownTimeout config.Reader[time.Duration]

	// ResolverShutdownTimeout bounds the wait for the resolver loop to
	// flush. It defaults to 60s.
	ResolverShutdownTimeout config.Reader[time.Duration]

	// InterruptOnShutdown cancels the context of running handlers instead
	// of letting them finish. It defaults to false.
	InterruptOnShutdown config.Reader[bool]

	// ProcessExtraMessagesOnShutdown processes messages which the
	// retriever had received but not handed out when it stopped. When
	// disabled they are left on the queue to become visible again. It
	// defaults to true.
	ProcessExtraMessagesOnShutdown config.Reader[bool]
}

// Components are the parts of a listener.
type Components struct {
	Retriever queue.Retriever
	Processor queue.Processor
	Resolver  queue.Resolver
	Broker    *broker.Broker
}

// Options
type Options struct {
	id    string
	log   *slog.Logger
	clock clock.Clock
}

// Option sets a value on [Options].
type Option interface {
	ApplyContainerOption(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) ApplyContainerOption(o *Options) {
	f(o)
}

// ID sets the identifier of the container. It defaults to a random UUID.
func ID(id string) Option {
	return optionFunc(func(o *Options) {
		o.id = id
	})
}

// Logger
func Logger(log *slog.Logger) Option {
	return optionFunc(func(o *Options) {
		o.log = log
	})
}

// Clock configures the clock used for shutdown timeouts.
func Clock(c clock.Clock) Option {
	return optionFunc(func(o *Options) {
		o.clock = c
	})
}

// Stats is a snapshot of a [Container].
type Stats struct {
	State            State
	ConcurrencyLevel int
	InUse            int
	Active           int
}

// Container runs a listener on background goroutines.
//
// Starting a container launches the retriever and resolver loops along
// with the broker. Stopping it shuts them down in order: the retriever
// first, then any extra messages are processed, then running handlers are
// awaited and finally the resolver flushes its pending deletions. Every
// phase waits at most for its own timeout.
type Container struct {
	id    string
	log   *slog.Logger
	clock clock.Clock
	comps Components
	props Properties

	state   atomic.Int32
	healthy health.Binary
	pool    atomic.Pointer[broker.Pool]

	done atomic.Pointer[chan struct{}]

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New
func New(comps Components, props Properties, opts ...Option) *Container {
	o := &Options{
		log:   sqslistener.Logger("github.com/z5labs/sqslistener/queue/container"),
		clock: clock.WallClock,
	}
	for _, opt := range opts {
		opt.ApplyContainerOption(o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	c := &Container{
		id:    o.id,
		log:   o.log.With(sqslistener.ContainerAttr(o.id)),
		clock: o.clock,
		comps: comps,
		props: props,
	}

	done := make(chan struct{})
	close(done)
	c.done.Store(&done)
	return c
}

// ID
func (c *Container) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Container) State() State {
	return State(c.state.Load())
}

// Healthy implements the [health.Monitor] interface. A container is
// healthy while it is running.
func (c *Container) Healthy(ctx context.Context) (bool, error) {
	return c.healthy.Healthy(ctx)
}

// Stats returns the current state along with broker and pool usage.
func (c *Container) Stats() Stats {
	bs := c.comps.Broker.Stats()
	s := Stats{
		State:            c.State(),
		ConcurrencyLevel: bs.ConcurrencyLevel,
		InUse:            bs.InUse,
	}
	if p := c.pool.Load(); p != nil {
		s.Active = p.Active()
	}
	return s
}

// Done returns a channel which is closed once the container has fully
// stopped.
func (c *Container) Done() <-chan struct{} {
	return *c.done.Load()
}

// Start launches the container. Calling Start on a container which is
// already starting or running does nothing.
//
// The container keeps running after ctx is cancelled; only [Container.Stop]
// ends it. Values carried by ctx are visible to every component.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case Starting, Running:
		return nil
	case Stopping:
		return ErrStopping
	}

	c.state.Store(int32(Starting))
	c.log.InfoContext(ctx, "starting container")

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	done := make(chan struct{})
	c.done.Store(&done)

	go c.run(runCtx, done)
	return nil
}

// Stop requests the container to shut down and waits up to timeout for it
// to do so. A container which does not stop in time keeps shutting down in
// the background and the timeout is logged.
func (c *Container) Stop(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == Stopped {
		return
	}
	c.cancel()

	t := c.clock.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-c.Done():
	case <-t.Chan():
		c.log.Error("container did not stop in time", slog.Duration("timeout", timeout))
	}
}

func (c *Container) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.state.Store(int32(Stopped))
	defer c.healthy.MarkUnhealthy()

	shutdownCtx := context.WithoutCancel(ctx)

	c.reset()
	stopResolver := c.startResolver(shutdownCtx)
	stopRetriever := c.startRetriever(shutdownCtx)

	pool := broker.NewPool(ctx, c.comps.Processor, c.comps.Resolver, broker.Logger(c.log))
	c.pool.Store(pool)

	c.state.Store(int32(Running))
	c.healthy.MarkHealthy()
	c.log.InfoContext(ctx, "container is running")

	err := c.comps.Broker.Run(ctx, c.comps.Retriever, pool)
	if err != nil {
		c.log.ErrorContext(ctx, "broker stopped unexpectedly", slog.Any("error", err))
	}
	<-ctx.Done()

	c.state.Store(int32(Stopping))
	c.healthy.MarkUnhealthy()
	c.log.InfoContext(shutdownCtx, "stopping container")

	retrieverTimeout := c.timeout(shutdownCtx, "retriever_shutdown_timeout", c.props.RetrieverShutdownTimeout)
	processingTimeout := c.timeout(shutdownCtx, "processing_shutdown_timeout", c.props.ProcessingShutdownTimeout)
	resolverTimeout := c.timeout(shutdownCtx, "resolver_shutdown_timeout", c.props.ResolverShutdownTimeout)
	interrupt := config.ReadOrLog(shutdownCtx, c.log, "interrupt_on_shutdown", false, c.props.InterruptOnShutdown)
	processExtra := config.ReadOrLog(shutdownCtx, c.log, "process_extra_messages_on_shutdown", true, c.props.ProcessExtraMessagesOnShutdown)

	extra := stopRetriever(retrieverTimeout)
	switch {
	case len(extra) == 0:
	case processExtra:
		c.processExtra(shutdownCtx, pool, extra, processingTimeout)
	default:
		c.log.InfoContext(shutdownCtx, "leaving extra messages on the queue", slog.Int("count", len(extra)))
	}

	shutdownPoolCtx, cancel := c.withTimeout(shutdownCtx, processingTimeout)
	defer cancel()

	err = pool.Shutdown(shutdownPoolCtx, interrupt)
	if err != nil {
		c.log.ErrorContext(
			shutdownCtx,
			"running handlers did not finish in time",
			slog.Duration("timeout", processingTimeout),
			slog.Int("active", pool.Active()),
			slog.Any("error", err),
		)
	}

	stopResolver(resolverTimeout)
	c.log.InfoContext(shutdownCtx, "container stopped")
}

func (c *Container) timeout(ctx context.Context, name string, r config.Reader[time.Duration]) time.Duration {
	d := config.ReadOrLog(ctx, c.log, name, defaultShutdownTimeout, r)
	if d < 0 {
		return defaultShutdownTimeout
	}
	return d
}

// reset reopens the retriever and resolver after a previous run closed them.
func (c *Container) reset() {
	if r, ok := c.comps.Retriever.(queue.Resetter); ok {
		r.Reset()
	}
	if r, ok := c.comps.Resolver.(queue.Resetter); ok {
		r.Reset()
	}
}

// startResolver runs the resolver loop, if it has one. The returned func
// stops the loop and waits for it to flush.
func (c *Container) startResolver(ctx context.Context) func(time.Duration) {
	runner, ok := c.comps.Resolver.(queue.Runner)
	if !ok {
		return func(time.Duration) {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)

		err := runner.Run(ctx)
		if err != nil {
			c.log.ErrorContext(ctx, "resolver loop failed", slog.Any("error", err))
		}
	}()

	return func(timeout time.Duration) {
		cancel()
		if !c.wait(done, timeout) {
			c.log.Error("resolver did not stop in time", slog.Duration("timeout", timeout))
		}
	}
}

// startRetriever runs the retriever loop, if it has one. The returned func
// stops the loop and returns the messages it received but never handed out.
func (c *Container) startRetriever(ctx context.Context) func(time.Duration) []queue.Message {
	async, ok := c.comps.Retriever.(queue.AsyncRetriever)
	if !ok {
		return func(time.Duration) []queue.Message { return nil }
	}

	ctx, cancel := context.WithCancel(ctx)
	extra := make(chan []queue.Message, 1)
	go func() {
		extra <- async.Run(ctx)
	}()

	return func(timeout time.Duration) []queue.Message {
		cancel()

		t := c.clock.NewTimer(timeout)
		defer t.Stop()

		select {
		case msgs := <-extra:
			return msgs
		case <-t.Chan():
			c.log.Error("retriever did not stop in time", slog.Duration("timeout", timeout))
			return nil
		}
	}
}

// processExtra runs the broker once more over msgs using the same pool.
func (c *Container) processExtra(ctx context.Context, pool *broker.Pool, msgs []queue.Message, timeout time.Duration) {
	c.log.InfoContext(ctx, "processing extra messages", slog.Int("count", len(msgs)))

	ctx, cancel := c.withTimeout(ctx, timeout)
	defer cancel()

	r := retriever.NewSlice(msgs)
	err := c.comps.Broker.Run(ctx, r, pool)
	if err != nil {
		c.log.ErrorContext(ctx, "failed to process extra messages", slog.Any("error", err))
	}
	if r.Len() > 0 {
		c.log.ErrorContext(
			ctx,
			"extra messages were not processed in time",
			slog.Duration("timeout", timeout),
			slog.Int("remaining", r.Len()),
		)
	}
}

// withTimeout is [context.WithTimeout] driven by the container clock.
func (c *Container) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	t := c.clock.AfterFunc(timeout, func() {
		cancel(context.DeadlineExceeded)
	})
	return ctx, func() {
		t.Stop()
		cancel(context.Canceled)
	}
}

func (c *Container) wait(done <-chan struct{}, timeout time.Duration) bool {
	t := c.clock.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-done:
		return true
	case <-t.Chan():
		return false
	}
}
