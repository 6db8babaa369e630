// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package app wires an orders queue listener together with its admin
// endpoints and telemetry.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/z5labs/sqslistener"
	"github.com/z5labs/sqslistener/app"
	"github.com/z5labs/sqslistener/config"
	"github.com/z5labs/sqslistener/internal/httpserver"
	"github.com/z5labs/sqslistener/internal/promstats"
	"github.com/z5labs/sqslistener/otel"
	"github.com/z5labs/sqslistener/queue/container"
	"github.com/z5labs/sqslistener/queue/sqs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Config holds the readers of the application.
type Config struct {
	SQS    sqs.Config
	Orders sqs.QueueConfig

	// AdminAddr is the address of the health and metrics endpoints.
	// It defaults to ":8090".
	AdminAddr config.Reader[string]

	// MaxAttempts is the number of times an invalid order is received
	// before it is dropped. It defaults to 5.
	MaxAttempts config.Reader[int]
}

// ConfigFromEnv
//
// Environment Variables:
//   - ADMIN_ADDR: address of the admin endpoints
//   - ORDERS_MAX_ATTEMPTS: attempts before an invalid order is dropped
//   - ORDERS_*: see [sqs.QueueConfigFromEnv]
//   - AWS_REGION, SQS_ENDPOINT_URL, SQS_STOP_TIMEOUT: see [sqs.ClientFromEnv]
func ConfigFromEnv() Config {
	return Config{
		SQS: sqs.Config{
			Client:      sqs.ClientFromEnv(),
			StopTimeout: sqs.StopTimeoutFromEnv(),
		},
		Orders:      sqs.QueueConfigFromEnv("ORDERS_"),
		AdminAddr:   config.Env("ADMIN_ADDR"),
		MaxAttempts: config.IntFromString(config.Env("ORDERS_MAX_ATTEMPTS")),
	}
}

// Build returns the builder of the whole application, telemetry included.
func Build(cfg Config) app.Builder[otel.Runtime] {
	return otel.Build(otel.SDKFromEnv(), app.WithHooks(func(ctx context.Context, h *app.HookRegistry) (app.Runtime, error) {
		return build(ctx, cfg, h)
	}))
}

// build runs the containers and the admin server side by side until the
// application shuts down.
func build(ctx context.Context, cfg Config, h *app.HookRegistry) (app.Runtime, error) {
	log := sqslistener.Logger("github.com/z5labs/sqslistener/example/queue/sqs-orders/app")

	maxAttempts, err := config.ReadOr(ctx, 5, cfg.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to read max attempts: %w", err)
	}

	orders := NewOrderProcessor(log, maxAttempts)
	coord, err := sqs.Build(cfg.SQS, []sqs.QueueProcessor{
		{
			ID:        "orders",
			Config:    cfg.Orders,
			Processor: orders.Processor(),
		},
	}).Build(ctx)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	err = reg.Register(promstats.NewCollector(coord))
	if err != nil {
		return nil, err
	}
	err = reg.Register(collectors.NewGoCollector())
	if err != nil {
		return nil, err
	}

	addr, err := config.ReadOr(ctx, ":8090", cfg.AdminAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to read admin address: %w", err)
	}
	ls, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on admin address: %w", err)
	}

	admin := httpserver.New(
		ls,
		httpserver.Admin(coord, coord.Liveness(), reg, log),
		httpserver.ErrorLog(log.Handler()),
	)

	h.OnPostRun(func(ctx context.Context) error {
		for _, c := range coord.Containers() {
			s := c.Stats()
			log.InfoContext(
				ctx,
				"container finished",
				sqslistener.ContainerAttr(c.ID()),
				slog.String("state", s.State.String()),
				slog.Int("active", s.Active),
			)
		}
		return nil
	})

	return app.Group(coord, admin), nil
}
