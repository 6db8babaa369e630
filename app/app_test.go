// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroup(t *testing.T) {
	t.Run("will run every runtime", func(t *testing.T) {
		t.Run("until the context is cancelled", func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())

			started := make(chan struct{}, 2)
			wait := RuntimeFunc(func(ctx context.Context) error {
				started <- struct{}{}
				<-ctx.Done()
				return nil
			})

			errCh := make(chan error, 1)
			go func() {
				errCh <- Group(wait, wait).Run(ctx)
			}()

			<-started
			<-started
			cancel()

			require.NoError(t, <-errCh)
		})
	})

	t.Run("will stop the other runtimes", func(t *testing.T) {
		t.Run("if one of them fails", func(t *testing.T) {
			adminErr := errors.New("address already in use")

			containersStopped := false
			containers := RuntimeFunc(func(ctx context.Context) error {
				<-ctx.Done()
				containersStopped = true
				return nil
			})
			admin := RuntimeFunc(func(ctx context.Context) error {
				return adminErr
			})

			err := Group(containers, admin).Run(context.Background())
			require.ErrorIs(t, err, adminErr)
			require.True(t, containersStopped)
		})
	})
}

func TestRun(t *testing.T) {
	t.Run("will return the build error", func(t *testing.T) {
		t.Run("if the builder fails", func(t *testing.T) {
			buildErr := errors.New("missing queue url")
			builder := BuilderFunc[Runtime](func(ctx context.Context) (Runtime, error) {
				return nil, buildErr
			})

			err := Run(context.Background(), builder)
			require.ErrorIs(t, err, buildErr)
		})
	})

	t.Run("will return the runtime error", func(t *testing.T) {
		t.Run("if the runtime fails", func(t *testing.T) {
			runErr := errors.New("receive failed")
			builder := BuilderFunc[Runtime](func(ctx context.Context) (Runtime, error) {
				return RuntimeFunc(func(ctx context.Context) error {
					return runErr
				}), nil
			})

			err := Run(context.Background(), builder)
			require.ErrorIs(t, err, runErr)
		})
	})
}
