// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package processor

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/sourcegraph/conc/panics"
	"github.com/z5labs/sqslistener"
	"github.com/z5labs/sqslistener/queue"
)

// Decorator observes the processing of a message. Embed [NopDecorator]
// to implement only the hooks of interest.
type Decorator interface {
	// OnPreProcess is called before the message is processed. The
	// returned context is used for processing and every later hook.
	OnPreProcess(context.Context, queue.Message) context.Context

	OnProcessSuccess(context.Context, queue.Message)
	OnProcessFailure(context.Context, queue.Message, error)

	// OnProcessFinished is always called last, whatever the outcome.
	OnProcessFinished(context.Context, queue.Message)

	OnResolveSuccess(context.Context, queue.Message)
	OnResolveFailure(context.Context, queue.Message, error)
}

// NopDecorator implements every [Decorator] hook as a no-op.
type NopDecorator struct{}

func (NopDecorator) OnPreProcess(ctx context.Context, _ queue.Message) context.Context {
	return ctx
}

func (NopDecorator) OnProcessSuccess(context.Context, queue.Message) {}

func (NopDecorator) OnProcessFailure(context.Context, queue.Message, error) {}

func (NopDecorator) OnProcessFinished(context.Context, queue.Message) {}

func (NopDecorator) OnResolveSuccess(context.Context, queue.Message) {}

func (NopDecorator) OnResolveFailure(context.Context, queue.Message, error) {}

// Decorating wraps a [queue.Processor] with an ordered list of [Decorator]s.
//
// Every hook invocation is isolated: a panicking hook is logged and the
// remaining hooks still run.
type Decorating struct {
	log        *slog.Logger
	next       queue.Processor
	decorators []Decorator
}

// Decorate
func Decorate(next queue.Processor, decorators []Decorator, opts ...Option) *Decorating {
	o := newOptions(opts...)
	return &Decorating{
		log:        o.log,
		next:       next,
		decorators: decorators,
	}
}

// Process implements the [queue.Processor] interface.
func (d *Decorating) Process(ctx context.Context, msg queue.Message, resolve queue.ResolveFunc) error {
	for _, dec := range d.decorators {
		d.hook(ctx, msg, "OnPreProcess", func() {
			if next := dec.OnPreProcess(ctx, msg); next != nil {
				ctx = next
			}
		})
	}

	decoratedResolve := func(rctx context.Context) error {
		err := resolve(rctx)
		for _, dec := range d.decorators {
			if err != nil {
				d.hook(ctx, msg, "OnResolveFailure", func() { dec.OnResolveFailure(ctx, msg, err) })
				continue
			}
			d.hook(ctx, msg, "OnResolveSuccess", func() { dec.OnResolveSuccess(ctx, msg) })
		}
		return err
	}

	var err error
	var pc panics.Catcher
	pc.Try(func() {
		err = d.next.Process(ctx, msg, decoratedResolve)
	})
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}

	for _, dec := range d.decorators {
		if err != nil {
			d.hook(ctx, msg, "OnProcessFailure", func() { dec.OnProcessFailure(ctx, msg, err) })
			continue
		}
		d.hook(ctx, msg, "OnProcessSuccess", func() { dec.OnProcessSuccess(ctx, msg) })
	}
	for _, dec := range d.decorators {
		d.hook(ctx, msg, "OnProcessFinished", func() { dec.OnProcessFinished(ctx, msg) })
	}
	return err
}

func (d *Decorating) hook(ctx context.Context, msg queue.Message, name string, f func()) {
	var pc panics.Catcher
	pc.Try(f)

	r := pc.Recovered()
	if r == nil {
		return
	}
	d.log.ErrorContext(
		ctx,
		"decorator hook panicked",
		slog.String("hook", name),
		sqslistener.MessageIDAttr(aws.ToString(msg.MessageId)),
		slog.Any("error", r.AsError()),
	)
}
