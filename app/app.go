// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package app builds and runs a listener process.
//
// A process is described by a [Builder] which reads its configuration and
// returns a [Runtime]. [Run] cancels the runtime on SIGINT or SIGTERM so
// that containers get a chance to drain their in-flight messages.
// Post-run hooks registered through [WithHooks] run once the runtime has
// returned, e.g. to release resources created while building.
package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Builder creates a value, usually a [Runtime], from its configuration.
type Builder[T any] interface {
	Build(context.Context) (T, error)
}

// BuilderFunc is a function which implements [Builder].
type BuilderFunc[T any] func(context.Context) (T, error)

// Build implements the [Builder] interface.
func (f BuilderFunc[T]) Build(ctx context.Context) (T, error) {
	return f(ctx)
}

// Runtime is a long running part of a process. Run is expected to return
// once ctx is cancelled.
type Runtime interface {
	Run(context.Context) error
}

// RuntimeFunc is a function which implements [Runtime].
type RuntimeFunc func(context.Context) error

// Run implements the [Runtime] interface.
func (f RuntimeFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Group returns a [Runtime] which runs every rt concurrently. The first
// runtime to fail cancels the others and its error is returned once all
// of them have stopped.
func Group(rts ...Runtime) Runtime {
	return RuntimeFunc(func(ctx context.Context) error {
		eg, egCtx := errgroup.WithContext(ctx)
		for _, rt := range rts {
			eg.Go(func() error {
				return rt.Run(egCtx)
			})
		}
		return eg.Wait()
	})
}

// Run builds the runtime and runs it until ctx is cancelled or the
// process receives an interrupt or termination signal.
func Run[T Runtime](ctx context.Context, builder Builder[T]) error {
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := builder.Build(sigCtx)
	if err != nil {
		return err
	}

	return rt.Run(sigCtx)
}

// LogError reports err, if any, through handler.
func LogError(handler slog.Handler, err error) {
	if err == nil {
		return
	}

	slog.New(handler).Error("listener failed", slog.Any("error", err))
}
