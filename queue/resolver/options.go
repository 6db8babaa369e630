// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package resolver provides [queue.Resolver] implementations which delete
// successfully processed messages from SQS.
package resolver

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/juju/clock"
	"github.com/z5labs/sqslistener"
)

// ErrStopped is returned by [Batching.Resolve] once its background loop
// has exited.
var ErrStopped = errors.New("resolver: stopped")

// EntryError is reported for a message which SQS refused to delete as
// part of a batch.
type EntryError struct {
	Code        string
	Message     string
	SenderFault bool
}

// Error implements the [error] interface.
func (e *EntryError) Error() string {
	return fmt.Sprintf("resolver: failed to delete message: %s: %s", e.Code, e.Message)
}

// ErrEntryMissing is returned for a message which was sent in a batch
// but reported neither as successful nor as failed.
var ErrEntryMissing = errors.New("resolver: message missing from batch response")

// Options are the parameters shared by all resolvers.
type Options struct {
	log   *slog.Logger
	clock clock.Clock
}

// Option sets a value on [Options].
type Option interface {
	ApplyResolverOption(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) ApplyResolverOption(o *Options) {
	f(o)
}

// Logger
func Logger(log *slog.Logger) Option {
	return optionFunc(func(o *Options) {
		o.log = log
	})
}

// Clock configures the clock used for the buffering time.
func Clock(c clock.Clock) Option {
	return optionFunc(func(o *Options) {
		o.clock = c
	})
}

func newOptions(opts ...Option) *Options {
	o := &Options{
		log:   sqslistener.Logger("github.com/z5labs/sqslistener/queue/resolver"),
		clock: clock.WallClock,
	}
	for _, opt := range opts {
		opt.ApplyResolverOption(o)
	}
	return o
}
