// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package container

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/z5labs/sqslistener"
	"github.com/z5labs/sqslistener/concurrent"
	"github.com/z5labs/sqslistener/health"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownContainer is returned when no container is registered under
// the given identifier.
var ErrUnknownContainer = errors.New("container: unknown container")

// Coordinator starts and stops a set of containers together.
type Coordinator struct {
	log         *slog.Logger
	stopTimeout time.Duration
	containers  *concurrent.Cache[string, *Container]
}

// NewCoordinator returns a coordinator which gives each container up to
// stopTimeout to stop.
func NewCoordinator(stopTimeout time.Duration, containers ...*Container) *Coordinator {
	c := &Coordinator{
		log:         sqslistener.Logger("github.com/z5labs/sqslistener/queue/container"),
		stopTimeout: stopTimeout,
		containers:  concurrent.NewCache[string, *Container](),
	}
	for _, ct := range containers {
		c.Add(ct)
	}
	return c
}

// Add registers ct, replacing any container with the same identifier.
func (c *Coordinator) Add(ct *Container) {
	c.containers.Set(ct.ID(), ct)
}

// Container
func (c *Coordinator) Container(id string) (*Container, bool) {
	return c.containers.Get(id)
}

// Containers returns the registered containers ordered by identifier.
func (c *Coordinator) Containers() []*Container {
	cs := c.containers.Values()
	slices.SortFunc(cs, func(a, b *Container) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return cs
}

// Start starts the container registered under id.
func (c *Coordinator) Start(ctx context.Context, id string) error {
	ct, ok := c.containers.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, id)
	}
	return ct.Start(ctx)
}

// Stop stops the container registered under id.
func (c *Coordinator) Stop(id string) error {
	ct, ok := c.containers.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, id)
	}
	ct.Stop(c.stopTimeout)
	return nil
}

// StartAll starts every registered container concurrently.
func (c *Coordinator) StartAll(ctx context.Context) error {
	var eg errgroup.Group
	for _, ct := range c.Containers() {
		eg.Go(func() error {
			err := ct.Start(ctx)
			if err != nil {
				return fmt.Errorf("failed to start container %s: %w", ct.ID(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// StopAll stops every registered container concurrently and returns once
// all of them have stopped or timed out.
func (c *Coordinator) StopAll() {
	var eg errgroup.Group
	for _, ct := range c.Containers() {
		eg.Go(func() error {
			ct.Stop(c.stopTimeout)
			return nil
		})
	}
	eg.Wait()
}

// Run implements the app.Runtime interface. It starts every container,
// waits for ctx to be cancelled and then stops them all.
func (c *Coordinator) Run(ctx context.Context) error {
	err := c.StartAll(ctx)
	if err != nil {
		c.StopAll()
		return err
	}

	c.log.InfoContext(ctx, "started containers", slog.Int("count", c.containers.Len()))
	<-ctx.Done()

	c.StopAll()
	return nil
}

// Healthy implements the [health.Monitor] interface. The coordinator is
// healthy while every container is running.
func (c *Coordinator) Healthy(ctx context.Context) (bool, error) {
	return health.And(c.monitors()...).Healthy(ctx)
}

// Liveness returns a [health.Monitor] which is healthy while at least one
// container is running.
func (c *Coordinator) Liveness() health.Monitor {
	return health.MonitorFunc(func(ctx context.Context) (bool, error) {
		return health.Or(c.monitors()...).Healthy(ctx)
	})
}

func (c *Coordinator) monitors() []health.Monitor {
	cs := c.Containers()
	ms := make([]health.Monitor, 0, len(cs))
	for _, ct := range cs {
		ms = append(ms, ct)
	}
	return ms
}
