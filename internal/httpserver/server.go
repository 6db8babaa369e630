// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package httpserver runs the admin HTTP endpoints of a listener next to
// its containers.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options
type Options struct {
	errorLogHandler slog.Handler
	shutdownTimeout time.Duration
}

// Option sets a value on [Options].
type Option interface {
	ApplyServerOption(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) ApplyServerOption(o *Options) {
	f(o)
}

// ErrorLog sets the handler for errors reported by the [http.Server]
// itself. They are discarded by default.
func ErrorLog(h slog.Handler) Option {
	return optionFunc(func(o *Options) {
		o.errorLogHandler = h
	})
}

// ShutdownTimeout bounds how long in-flight requests are given to finish
// once the server is stopping. It defaults to 5s.
func ShutdownTimeout(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.shutdownTimeout = d
	})
}

// Server serves a handler on a listener until its context is cancelled.
type Server struct {
	ls              net.Listener
	server          *http.Server
	shutdownTimeout time.Duration
}

// New
func New(ls net.Listener, h http.Handler, opts ...Option) *Server {
	o := &Options{
		errorLogHandler: slog.DiscardHandler,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt.ApplyServerOption(o)
	}

	return &Server{
		ls:              ls,
		shutdownTimeout: o.shutdownTimeout,
		server: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(o.errorLogHandler, slog.LevelError),
		},
	}
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.ls.Addr()
}

// Run implements the app.Runtime interface.
func (s *Server) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.server.Serve(s.ls)
	})
	eg.Go(func() error {
		<-egCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()

		return s.server.Shutdown(shutdownCtx)
	})

	err := eg.Wait()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
