// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/z5labs/sqslistener/queue"
	"github.com/z5labs/sqslistener/queue/processor"
)

// ErrInvalidOrder is returned for orders which can never be fulfilled.
var ErrInvalidOrder = errors.New("invalid order")

// Order is the body of every message on the orders queue.
type Order struct {
	OrderID   string  `json:"order_id"`
	Amount    float64 `json:"amount"`
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
}

// Validate
func (o Order) Validate() error {
	if o.OrderID == "" {
		return fmt.Errorf("%w: missing order id", ErrInvalidOrder)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive: %d", ErrInvalidOrder, o.Quantity)
	}
	return nil
}

// OrderProcessor logs every valid order. Invalid orders are retried until
// they have been received maxAttempts times and are then dropped.
type OrderProcessor struct {
	log         *slog.Logger
	maxAttempts int
}

// NewOrderProcessor
func NewOrderProcessor(log *slog.Logger, maxAttempts int) *OrderProcessor {
	return &OrderProcessor{
		log:         log,
		maxAttempts: maxAttempts,
	}
}

// Processor returns the [queue.Processor] for the orders queue.
func (p *OrderProcessor) Processor() queue.Processor {
	return processor.Handle3(
		processor.JSONBody[Order](),
		processor.ReceiveCount(),
		processor.Acknowledge(),
		p.handle,
		processor.ManualAcknowledgement(),
		processor.Logger(p.log),
	)
}

func (p *OrderProcessor) handle(ctx context.Context, order Order, attempt int, ack queue.ResolveFunc) error {
	err := order.Validate()
	if err != nil && attempt < p.maxAttempts {
		return err
	}
	if err != nil {
		p.log.WarnContext(
			ctx,
			"dropping order",
			slog.String("order_id", order.OrderID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		return ack(ctx)
	}

	p.log.InfoContext(
		ctx,
		"received order",
		slog.String("order_id", order.OrderID),
		slog.String("product_id", order.ProductID),
		slog.Int("quantity", order.Quantity),
		slog.Float64("amount", order.Amount),
	)
	return ack(ctx)
}
