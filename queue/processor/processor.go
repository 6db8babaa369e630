// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package processor adapts ordinary Go functions into [queue.Processor]s.
//
// Handler arguments are bound once, when the processor is created, from
// typed [Extractor]s:
//
//	p := processor.Handle2(
//		processor.JSONBody[Order](),
//		processor.MessageAttribute("tenant"),
//		func(ctx context.Context, order Order, tenant string) error {
//			return store(ctx, tenant, order)
//		},
//	)
//
// A message is resolved once its handler returns without error unless the
// processor was created with [ManualAcknowledgement].
package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/z5labs/sqslistener"
	"github.com/z5labs/sqslistener/queue"
)

// Options
type Options struct {
	log    *slog.Logger
	manual bool
}

// Option sets a value on [Options].
type Option interface {
	ApplyProcessorOption(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) ApplyProcessorOption(o *Options) {
	f(o)
}

// Logger
func Logger(log *slog.Logger) Option {
	return optionFunc(func(o *Options) {
		o.log = log
	})
}

// ManualAcknowledgement stops the processor from resolving messages
// itself. The handler is expected to resolve the message through the
// function returned by the [Acknowledge] extractor.
func ManualAcknowledgement() Option {
	return optionFunc(func(o *Options) {
		o.manual = true
	})
}

func newOptions(opts ...Option) *Options {
	o := &Options{
		log: sqslistener.Logger("github.com/z5labs/sqslistener/queue/processor"),
	}
	for _, opt := range opts {
		opt.ApplyProcessorOption(o)
	}
	return o
}

// Func is a [queue.Processor] backed by a function.
type Func struct {
	log    *slog.Logger
	manual bool
	handle func(context.Context, queue.Message) error
}

// Handle returns a processor which passes the raw message to f.
func Handle(f func(context.Context, queue.Message) error, opts ...Option) *Func {
	o := newOptions(opts...)
	return &Func{
		log:    o.log,
		manual: o.manual,
		handle: f,
	}
}

// Handle1 returns a processor which calls f with the value extracted by a.
func Handle1[A any](a Extractor[A], f func(context.Context, A) error, opts ...Option) *Func {
	return Handle(func(ctx context.Context, msg queue.Message) error {
		av, err := extract(ctx, msg, 0, a)
		if err != nil {
			return err
		}
		return f(ctx, av)
	}, opts...)
}

// Handle2 returns a processor which calls f with the values extracted by
// a and b.
func Handle2[A, B any](a Extractor[A], b Extractor[B], f func(context.Context, A, B) error, opts ...Option) *Func {
	return Handle(func(ctx context.Context, msg queue.Message) error {
		av, err := extract(ctx, msg, 0, a)
		if err != nil {
			return err
		}
		bv, err := extract(ctx, msg, 1, b)
		if err != nil {
			return err
		}
		return f(ctx, av, bv)
	}, opts...)
}

// Handle3 returns a processor which calls f with the values extracted by
// a, b and c.
func Handle3[A, B, C any](a Extractor[A], b Extractor[B], c Extractor[C], f func(context.Context, A, B, C) error, opts ...Option) *Func {
	return Handle(func(ctx context.Context, msg queue.Message) error {
		av, err := extract(ctx, msg, 0, a)
		if err != nil {
			return err
		}
		bv, err := extract(ctx, msg, 1, b)
		if err != nil {
			return err
		}
		cv, err := extract(ctx, msg, 2, c)
		if err != nil {
			return err
		}
		return f(ctx, av, bv, cv)
	}, opts...)
}

// Process implements the [queue.Processor] interface.
func (p *Func) Process(ctx context.Context, msg queue.Message, resolve queue.ResolveFunc) error {
	ctx = context.WithValue(ctx, resolveKey{}, resolve)

	err := p.handle(ctx, msg)
	if err != nil {
		return err
	}
	if p.manual {
		return nil
	}

	err = resolve(ctx)
	if err != nil {
		return fmt.Errorf("processor: failed to resolve message: %w", err)
	}
	return nil
}
