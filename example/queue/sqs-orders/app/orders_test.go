// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/z5labs/sqslistener/queue"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"
)

func orderMessage(body string, receiveCount string) queue.Message {
	return queue.Message{
		MessageId: aws.String("1"),
		Body:      aws.String(body),
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): receiveCount,
		},
	}
}

func TestOrderProcessor(t *testing.T) {
	discard := slog.New(slog.DiscardHandler)

	t.Run("will acknowledge the order", func(t *testing.T) {
		t.Run("if it is valid", func(t *testing.T) {
			var acked bool
			p := NewOrderProcessor(discard, 3).Processor()

			msg := orderMessage(`{"order_id":"ORDER-1","product_id":"PROD-001","quantity":2,"amount":20.5}`, "1")
			err := p.Process(context.Background(), msg, func(context.Context) error {
				acked = true
				return nil
			})
			require.NoError(t, err)
			require.True(t, acked)
		})

		t.Run("if it is invalid and out of attempts", func(t *testing.T) {
			var acked bool
			p := NewOrderProcessor(discard, 3).Processor()

			msg := orderMessage(`{"order_id":"ORDER-1","quantity":0}`, "3")
			err := p.Process(context.Background(), msg, func(context.Context) error {
				acked = true
				return nil
			})
			require.NoError(t, err)
			require.True(t, acked)
		})
	})

	t.Run("will return an error", func(t *testing.T) {
		t.Run("if the order is invalid and may be retried", func(t *testing.T) {
			var acked bool
			p := NewOrderProcessor(discard, 3).Processor()

			msg := orderMessage(`{"quantity":1}`, "1")
			err := p.Process(context.Background(), msg, func(context.Context) error {
				acked = true
				return nil
			})
			require.ErrorIs(t, err, ErrInvalidOrder)
			require.False(t, acked)
		})

		t.Run("if the body is not json", func(t *testing.T) {
			p := NewOrderProcessor(discard, 3).Processor()

			err := p.Process(context.Background(), orderMessage("not json", "1"), func(context.Context) error {
				return nil
			})
			require.Error(t, err)
		})
	})
}
