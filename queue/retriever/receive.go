// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package retriever

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/z5labs/sqslistener/config"
	"github.com/z5labs/sqslistener/queue"
)

const defaultWaitTime = queue.MaxWaitTimeSeconds * time.Second

// receiveProperties are the receive call parameters common to all retrievers.
type receiveProperties struct {
	WaitTime          config.Reader[time.Duration]
	VisibilityTimeout config.Reader[time.Duration]
}

type receiveParams struct {
	maxMessages int
	waitTime    time.Duration
	visibility  time.Duration
}

func (p receiveProperties) read(ctx context.Context, log *slog.Logger) receiveParams {
	wait := config.ReadOrLog(ctx, log, "wait_time", defaultWaitTime, p.WaitTime)
	if wait < 0 {
		wait = defaultWaitTime
	}
	visibility := config.ReadOrLog(ctx, log, "visibility_timeout", 0, p.VisibilityTimeout)
	return receiveParams{
		waitTime:   wait,
		visibility: visibility,
	}
}

// receiveInput builds a receive call which never asks for more messages than
// SQS allows and never waits longer than SQS allows. A visibility timeout of
// zero or less leaves the queue default in place.
func receiveInput(props queue.Properties, p receiveParams) *sqs.ReceiveMessageInput {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(props.URL),
		MaxNumberOfMessages:   int32(min(max(p.maxMessages, 1), queue.MaxNumberOfMessages)),
		WaitTimeSeconds:       int32(min(max(p.waitTime/time.Second, 0), queue.MaxWaitTimeSeconds)),
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameAll,
		},
	}
	if p.visibility > 0 {
		input.VisibilityTimeout = int32(max(p.visibility/time.Second, 1))
	}
	return input
}
