// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package app

import (
	"context"
	"fmt"

	"github.com/z5labs/sqslistener/internal/try"

	"github.com/sourcegraph/conc/panics"
)

// HookFunc runs after the runtime returns. Its context carries the values
// of the run context but is never cancelled.
type HookFunc func(context.Context) error

// HookRegistry collects post-run hooks while a runtime is being built.
type HookRegistry struct {
	hooks []HookFunc
}

// OnPostRun registers hook. Hooks run in registration order.
func (r *HookRegistry) OnPostRun(hook HookFunc) {
	r.hooks = append(r.hooks, hook)
}

// HookPanicError is returned when a post-run hook panics.
type HookPanicError struct {
	Index int
	Err   error
}

// Error implements the [error] interface.
func (e HookPanicError) Error() string {
	return fmt.Sprintf("app: post-run hook %d panicked: %s", e.Index, e.Err)
}

// Unwrap
func (e HookPanicError) Unwrap() error {
	return e.Err
}

type hookRuntime struct {
	inner Runtime
	hooks []HookFunc
}

// Run implements the [Runtime] interface. Every hook runs regardless of
// the runtime result or earlier hook failures.
func (rt hookRuntime) Run(ctx context.Context) (err error) {
	err = rt.inner.Run(ctx)

	hookCtx := context.WithoutCancel(ctx)
	for i, hook := range rt.hooks {
		try.Join(&err, runHook(hookCtx, i, hook))
	}
	return err
}

func runHook(ctx context.Context, i int, hook HookFunc) error {
	var err error
	recovered := panics.Try(func() {
		err = hook(ctx)
	})
	if recovered != nil {
		return HookPanicError{Index: i, Err: recovered.AsError()}
	}
	return err
}

// WithHooks returns a [Builder] which lets f register post-run hooks, e.g.
// stopping every container or flushing telemetry:
//
//	app.WithHooks(func(ctx context.Context, h *app.HookRegistry) (app.Runtime, error) {
//	    coord, err := sqs.Build(cfg, queues).Build(ctx)
//	    if err != nil {
//	        return nil, err
//	    }
//	    h.OnPostRun(func(ctx context.Context) error {
//	        coord.StopAll()
//	        return nil
//	    })
//	    return coord, nil
//	})
//
// The runtime error and every hook error are joined.
func WithHooks[T Runtime](f func(context.Context, *HookRegistry) (T, error)) Builder[Runtime] {
	return BuilderFunc[Runtime](func(ctx context.Context) (Runtime, error) {
		var registry HookRegistry

		inner, err := f(ctx, &registry)
		if err != nil {
			return nil, err
		}

		if len(registry.hooks) == 0 {
			return inner, nil
		}
		return hookRuntime{
			inner: inner,
			hooks: registry.hooks,
		}, nil
	})
}
