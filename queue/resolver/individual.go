// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/z5labs/sqslistener"
	"github.com/z5labs/sqslistener/queue"
)

// Individual deletes each message with its own DeleteMessage call.
type Individual struct {
	log    *slog.Logger
	client queue.Client
	queue  queue.Properties
}

// NewIndividual
func NewIndividual(client queue.Client, props queue.Properties, opts ...Option) *Individual {
	o := newOptions(opts...)
	return &Individual{
		log:    o.log,
		client: client,
		queue:  props,
	}
}

// Resolve implements the [queue.Resolver] interface.
func (r *Individual) Resolve(ctx context.Context, msg queue.Message) error {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queue.URL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		r.log.ErrorContext(
			ctx,
			"failed to delete message",
			sqslistener.QueueURLAttr(r.queue.URL),
			sqslistener.MessageIDAttr(aws.ToString(msg.MessageId)),
			slog.Any("error", err),
		)
		return fmt.Errorf("resolver: failed to delete message: %w", err)
	}
	return nil
}
