// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package queue

import (
	"context"
	"log/slog"
	"os"

	"github.com/z5labs/sqslistener/app"
)

// RunOptions holds configuration for [Run].
type RunOptions struct {
	logger *slog.Logger
}

// RunOption configures [Run] behavior.
type RunOption interface {
	ApplyRunOption(*RunOptions)
}

type runOptionFunc func(*RunOptions)

func (f runOptionFunc) ApplyRunOption(ro *RunOptions) {
	f(ro)
}

// LogHandler configures a custom log handler for errors returned while
// building or running the listener. By default, errors are logged as JSON to stdout.
func LogHandler(h slog.Handler) RunOption {
	return runOptionFunc(func(ro *RunOptions) {
		ro.logger = slog.New(h)
	})
}

// Run builds and runs a queue listening application.
//
// Signal handling is performed by [app.Run], which cancels the context on
// SIGINT or SIGTERM. Any error is logged before being returned.
func Run[T app.Runtime](ctx context.Context, builder app.Builder[T], opts ...RunOption) error {
	ro := &RunOptions{
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{})),
	}
	for _, opt := range opts {
		opt.ApplyRunOption(ro)
	}

	err := app.Run(ctx, builder)
	if err != nil {
		app.LogError(ro.logger.Handler(), err)
	}
	return err
}
