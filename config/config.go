// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package config provides composable, lazily evaluated configuration values.
//
// A [Reader] is read every time its value is needed, which allows values to
// change while a program is running. Components that poll their configuration
// on every loop iteration should use [ReadOr] so that a failing source falls
// back to a default for that iteration instead of stopping the loop.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// ErrValueNotSet is returned by [Read] when a [Reader] produced no value.
var ErrValueNotSet = errors.New("config: value not set")

// Value is the result of reading a [Reader]. The zero value represents
// an unset value.
type Value[T any] struct {
	v   T
	set bool
}

// ValueOf returns a set [Value] holding v.
func ValueOf[T any](v T) Value[T] {
	return Value[T]{v: v, set: true}
}

// Value returns the underlying value and whether it was set.
func (v Value[T]) Value() (T, bool) {
	return v.v, v.set
}

// Reader produces a configuration [Value].
type Reader[T any] interface {
	Read(context.Context) (Value[T], error)
}

// ReaderFunc is an adapter to allow the use of ordinary functions as [Reader]s.
type ReaderFunc[T any] func(context.Context) (Value[T], error)

// Read implements the [Reader] interface.
func (f ReaderFunc[T]) Read(ctx context.Context) (Value[T], error) {
	return f(ctx)
}

// ReaderOf returns a [Reader] which always returns v.
func ReaderOf[T any](v T) Reader[T] {
	return ReaderFunc[T](func(ctx context.Context) (Value[T], error) {
		return ValueOf(v), nil
	})
}

// EmptyReader returns a [Reader] which never has a value.
func EmptyReader[T any]() Reader[T] {
	return ReaderFunc[T](func(ctx context.Context) (Value[T], error) {
		return Value[T]{}, nil
	})
}

// Env reads the environment variable, name. An unset variable results in
// an unset [Value].
func Env(name string) Reader[string] {
	return ReaderFunc[string](func(ctx context.Context) (Value[string], error) {
		s, ok := os.LookupEnv(name)
		if !ok {
			return Value[string]{}, nil
		}
		return ValueOf(s), nil
	})
}

// Map transforms the value of r with f. Unset values are passed through
// without calling f.
func Map[A, B any](r Reader[A], f func(context.Context, A) (B, error)) Reader[B] {
	return ReaderFunc[B](func(ctx context.Context) (Value[B], error) {
		va, err := r.Read(ctx)
		if err != nil {
			return Value[B]{}, err
		}
		a, ok := va.Value()
		if !ok {
			return Value[B]{}, nil
		}
		b, err := f(ctx, a)
		if err != nil {
			return Value[B]{}, err
		}
		return ValueOf(b), nil
	})
}

// Default returns def whenever r is nil or produces an unset value.
// Errors from r are still returned.
func Default[T any](def T, r Reader[T]) Reader[T] {
	return ReaderFunc[T](func(ctx context.Context) (Value[T], error) {
		if r == nil {
			return ValueOf(def), nil
		}
		v, err := r.Read(ctx)
		if err != nil {
			return Value[T]{}, err
		}
		if _, ok := v.Value(); !ok {
			return ValueOf(def), nil
		}
		return v, nil
	})
}

// Or returns the first set value from rs.
func Or[T any](rs ...Reader[T]) Reader[T] {
	return ReaderFunc[T](func(ctx context.Context) (Value[T], error) {
		for _, r := range rs {
			if r == nil {
				continue
			}
			v, err := r.Read(ctx)
			if err != nil {
				return Value[T]{}, err
			}
			if _, ok := v.Value(); ok {
				return v, nil
			}
		}
		return Value[T]{}, nil
	})
}

// Read reads r and requires it to have a value.
func Read[T any](ctx context.Context, r Reader[T]) (T, error) {
	var zero T
	if r == nil {
		return zero, ErrValueNotSet
	}
	v, err := r.Read(ctx)
	if err != nil {
		return zero, err
	}
	t, ok := v.Value()
	if !ok {
		return zero, ErrValueNotSet
	}
	return t, nil
}

// ReadOr reads r, returning def when r is nil or unset. When r fails, def
// is returned together with the error so callers can report it and continue.
func ReadOr[T any](ctx context.Context, def T, r Reader[T]) (T, error) {
	if r == nil {
		return def, nil
	}
	v, err := r.Read(ctx)
	if err != nil {
		return def, err
	}
	t, ok := v.Value()
	if !ok {
		return def, nil
	}
	return t, nil
}

// Must is like [Read] but panics on failure.
func Must[T any](ctx context.Context, r Reader[T]) T {
	t, err := Read(ctx, r)
	if err != nil {
		panic(fmt.Errorf("config: failed to read required value: %w", err))
	}
	return t
}

// MustOr is like [ReadOr] but panics when r fails.
func MustOr[T any](ctx context.Context, def T, r Reader[T]) T {
	t, err := ReadOr(ctx, def, r)
	if err != nil {
		panic(fmt.Errorf("config: failed to read value: %w", err))
	}
	return t
}

// ReadOrLog is like [ReadOr] but reports a failed read to log instead of
// returning the error. name identifies the value in the log record.
func ReadOrLog[T any](ctx context.Context, log *slog.Logger, name string, def T, r Reader[T]) T {
	t, err := ReadOr(ctx, def, r)
	if err != nil {
		log.WarnContext(
			ctx,
			"failed to read configuration value, using default",
			slog.String("config.name", name),
			slog.Any("config.default", def),
			slog.Any("error", err),
		)
	}
	return t
}
