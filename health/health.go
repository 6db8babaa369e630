// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package health reports whether listener containers are able to
// consume messages.
package health

import (
	"context"
	"errors"
	"sync/atomic"
)

// Monitor represents anything which can report its current state of health.
type Monitor interface {
	Healthy(context.Context) (bool, error)
}

// MonitorFunc is a function which implements [Monitor].
type MonitorFunc func(context.Context) (bool, error)

// Healthy implements the [Monitor] interface.
func (f MonitorFunc) Healthy(ctx context.Context) (bool, error) {
	return f(ctx)
}

// Binary is a [Monitor] which is either healthy or unhealthy.
// It is safe for concurrent use. The zero value is unhealthy.
type Binary struct {
	healthy atomic.Bool
}

// MarkUnhealthy
func (b *Binary) MarkUnhealthy() {
	b.healthy.Store(false)
}

// MarkHealthy
func (b *Binary) MarkHealthy() {
	b.healthy.Store(true)
}

// Healthy implements the [Monitor] interface.
func (b *Binary) Healthy(ctx context.Context) (bool, error) {
	return b.healthy.Load(), nil
}

// AndMonitor is healthy only when every one of its [Monitor]s is.
// It stops at the first unhealthy or failing monitor.
type AndMonitor []Monitor

// And
func And(ms ...Monitor) AndMonitor {
	return AndMonitor(ms)
}

// Healthy implements the [Monitor] interface. An empty AndMonitor is
// healthy.
func (am AndMonitor) Healthy(ctx context.Context) (bool, error) {
	for _, m := range am {
		healthy, err := m.Healthy(ctx)
		if !healthy || err != nil {
			return healthy, err
		}
	}
	return true, nil
}

// OrMonitor is healthy when any one of its [Monitor]s is.
//
// Errors are only returned when no monitor is healthy, joined with
// [errors.Join].
type OrMonitor []Monitor

// Or
func Or(ms ...Monitor) OrMonitor {
	return OrMonitor(ms)
}

// Healthy implements the [Monitor] interface.
func (om OrMonitor) Healthy(ctx context.Context) (bool, error) {
	var errs []error
	for _, m := range om {
		healthy, err := m.Healthy(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if healthy {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}
