// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/require"
	"github.com/z5labs/sqslistener/app"
)

type captureHandler struct {
	slog.Handler

	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Handle(ctx context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	return nil
}

func errorAttr(record slog.Record) error {
	var caughtErr error
	record.Attrs(func(a slog.Attr) bool {
		if a.Key != "error" {
			return true
		}

		err, ok := a.Value.Any().(error)
		if !ok {
			caughtErr = fmt.Errorf("expected attr to be error: %v", a.Value)
			return false
		}
		caughtErr = err
		return false
	})
	return caughtErr
}

func TestRun(t *testing.T) {
	t.Run("will log the error", func(t *testing.T) {
		t.Run("if it fails to build the runtime", func(t *testing.T) {
			buildErr := errors.New("failed to build app")
			b := app.BuilderFunc[app.RuntimeFunc](func(ctx context.Context) (app.RuntimeFunc, error) {
				return nil, buildErr
			})

			logHandler := &captureHandler{
				Handler: slog.Default().Handler(),
			}

			err := Run(context.Background(), b, LogHandler(logHandler))
			require.ErrorIs(t, err, buildErr)

			require.Len(t, logHandler.records, 1)
			require.ErrorIs(t, errorAttr(logHandler.records[0]), buildErr)
		})

		t.Run("if the runtime returns an error while running", func(t *testing.T) {
			runtimeErr := errors.New("failed to listen")
			b := app.BuilderFunc[app.RuntimeFunc](func(ctx context.Context) (app.RuntimeFunc, error) {
				return func(ctx context.Context) error {
					return runtimeErr
				}, nil
			})

			logHandler := &captureHandler{
				Handler: slog.Default().Handler(),
			}

			err := Run(context.Background(), b, LogHandler(logHandler))
			require.ErrorIs(t, err, runtimeErr)

			require.Len(t, logHandler.records, 1)
			require.ErrorIs(t, errorAttr(logHandler.records[0]), runtimeErr)
		})
	})

	t.Run("will not log anything", func(t *testing.T) {
		t.Run("if the runtime returns nil", func(t *testing.T) {
			b := app.BuilderFunc[app.RuntimeFunc](func(ctx context.Context) (app.RuntimeFunc, error) {
				return func(ctx context.Context) error {
					return nil
				}, nil
			})

			logHandler := &captureHandler{
				Handler: slog.Default().Handler(),
			}

			err := Run(context.Background(), b, LogHandler(logHandler))
			require.NoError(t, err)
			require.Empty(t, logHandler.records)
		})
	})
}

func TestResolve(t *testing.T) {
	t.Run("will resolve the bound message", func(t *testing.T) {
		t.Run("when the ResolveFunc is called", func(t *testing.T) {
			var resolved Message
			r := ResolverFunc(func(ctx context.Context, msg Message) error {
				resolved = msg
				return nil
			})

			resolve := Resolve(r, Message{MessageId: aws.String("1")})
			err := resolve(context.Background())
			require.NoError(t, err)
			require.Equal(t, "1", aws.ToString(resolved.MessageId))
		})
	})

	t.Run("will return the resolver error", func(t *testing.T) {
		t.Run("if the resolver fails", func(t *testing.T) {
			resolveErr := errors.New("failed")
			r := ResolverFunc(func(ctx context.Context, msg Message) error {
				return resolveErr
			})

			err := Resolve(r, Message{})(context.Background())
			require.ErrorIs(t, err, resolveErr)
		})
	})
}
