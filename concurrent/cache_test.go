// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package concurrent

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCache_GetOr(t *testing.T) {
	t.Run("will call the factory once", func(t *testing.T) {
		t.Run("if many goroutines request the same key", func(t *testing.T) {
			c := NewCache[string, int]()

			var mu sync.Mutex
			calls := 0

			var wg sync.WaitGroup
			for range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := c.GetOr("orders", func() (int, error) {
						mu.Lock()
						defer mu.Unlock()
						calls++
						return 1, nil
					})
					require.NoError(t, err)
				}()
			}
			wg.Wait()

			require.Equal(t, 1, calls)
			require.Equal(t, 1, c.Len())
		})
	})

	t.Run("will not store the value", func(t *testing.T) {
		t.Run("if the factory fails", func(t *testing.T) {
			c := NewCache[string, int]()

			factoryErr := errors.New("failed")
			_, err := c.GetOr("orders", func() (int, error) {
				return 0, factoryErr
			})
			require.ErrorIs(t, err, factoryErr)

			_, ok := c.Get("orders")
			require.False(t, ok)
		})
	})
}

func TestCache_Delete(t *testing.T) {
	t.Run("will return the removed value", func(t *testing.T) {
		t.Run("if the key exists", func(t *testing.T) {
			c := NewCache[string, int]()
			c.Set("a", 1)
			c.Set("b", 2)

			v, ok := c.Delete("a")
			require.True(t, ok)
			require.Equal(t, 1, v)
			require.Equal(t, map[string]int{"b": 2}, c.Snapshot())
			require.Equal(t, []int{2}, c.Values())
		})
	})
}
