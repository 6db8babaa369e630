// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package sqsfake provides an in-memory implementation of the SQS API
// subset used by the listener.
package sqsfake

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/z5labs/sqslistener/queue"
)

// ErrReceiptHandleIsInvalid is returned when deleting or changing the
// visibility of a message which is not in flight.
var ErrReceiptHandleIsInvalid = errors.New("sqsfake: receipt handle is invalid")

// Client is an in-memory [queue.Client]. Every queue URL refers to the
// same set of messages. Messages received from the fake stay in flight
// until they are deleted or their visibility timeout is changed to zero.
type Client struct {
	// MaxWait caps how long an empty receive call blocks before returning
	// no messages. It defaults to 10ms so tests never block on the SQS long
	// polling duration.
	MaxWait time.Duration

	mu          sync.Mutex
	arrived     chan struct{}
	visible     []queue.Message
	inFlight    map[string]queue.Message
	receives    []sqs.ReceiveMessageInput
	deleted     []string
	batches     []sqs.DeleteMessageBatchInput
	visibility  []types.ChangeMessageVisibilityBatchRequestEntry
	receiveErrs []error
	onReceive   func(context.Context, *sqs.ReceiveMessageInput)
}

var _ queue.Client = (*Client)(nil)

// New returns an empty fake.
func New() *Client {
	return &Client{
		MaxWait:  10 * time.Millisecond,
		arrived:  make(chan struct{}),
		inFlight: make(map[string]queue.Message),
	}
}

// Send makes a message for each body available to receive calls and
// returns their ids.
func (c *Client) Send(bodies ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(bodies))
	for _, body := range bodies {
		ids = append(ids, c.sendLocked(body, nil))
	}
	c.notifyLocked()
	return ids
}

// SendWithAttributes makes a single message carrying attrs available to
// receive calls and returns its id.
func (c *Client) SendWithAttributes(body string, attrs map[string]types.MessageAttributeValue) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.sendLocked(body, attrs)
	c.notifyLocked()
	return id
}

func (c *Client) sendLocked(body string, attrs map[string]types.MessageAttributeValue) string {
	msgAttrs := make(map[string]types.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		msgAttrs[k] = v
	}

	id := uuid.NewString()
	c.visible = append(c.visible, queue.Message{
		MessageId: aws.String(id),
		Body:      aws.String(body),
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): "0",
			string(types.MessageSystemAttributeNameSentTimestamp):           strconv.FormatInt(time.Now().UnixMilli(), 10),
		},
		MessageAttributes: msgAttrs,
	})
	return id
}

// FailReceive queues errors which are returned, in order, by the next
// receive calls instead of messages.
func (c *Client) FailReceive(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.receiveErrs = append(c.receiveErrs, errs...)
}

// OnReceive registers f to be called at the start of every receive call.
func (c *Client) OnReceive(f func(context.Context, *sqs.ReceiveMessageInput)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onReceive = f
}

// Receives returns a copy of every receive call made so far.
func (c *Client) Receives() []sqs.ReceiveMessageInput {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.receives)
}

// Deleted returns the ids of deleted messages in deletion order.
func (c *Client) Deleted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.deleted)
}

// DeleteBatches returns every DeleteMessageBatch input in call order.
func (c *Client) DeleteBatches() []sqs.DeleteMessageBatchInput {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.batches)
}

// VisibilityChanges returns every visibility timeout change made so far.
func (c *Client) VisibilityChanges() []types.ChangeMessageVisibilityBatchRequestEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.visibility)
}

// Visible returns the number of messages waiting to be received.
func (c *Client) Visible() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.visible)
}

// InFlight returns the number of received messages which are
// neither deleted nor visible again.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.inFlight)
}

// ReceiveMessage implements the [queue.Client] interface.
func (c *Client) ReceiveMessage(ctx context.Context, input *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	c.mu.Lock()
	c.receives = append(c.receives, *input)
	onReceive := c.onReceive
	c.mu.Unlock()

	if onReceive != nil {
		onReceive(ctx, input)
	}

	wait := min(time.Duration(input.WaitTimeSeconds)*time.Second, c.MaxWait)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if len(c.receiveErrs) > 0 {
			err := c.receiveErrs[0]
			c.receiveErrs = c.receiveErrs[1:]
			c.mu.Unlock()
			return nil, err
		}
		if len(c.visible) > 0 {
			msgs := c.takeLocked(int(input.MaxNumberOfMessages))
			c.mu.Unlock()
			return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
		}
		arrived := c.arrived
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return &sqs.ReceiveMessageOutput{}, nil
		case <-arrived:
		}
	}
}

// DeleteMessage implements the [queue.Client] interface.
func (c *Client) DeleteMessage(ctx context.Context, input *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.deleteLocked(aws.ToString(input.ReceiptHandle)) {
		return nil, ErrReceiptHandleIsInvalid
	}
	return &sqs.DeleteMessageOutput{}, nil
}

// DeleteMessageBatch implements the [queue.Client] interface.
func (c *Client) DeleteMessageBatch(ctx context.Context, input *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	if len(input.Entries) > queue.MaxNumberOfMessages {
		return nil, errors.New("sqsfake: too many entries in batch request")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.batches = append(c.batches, *input)

	out := &sqs.DeleteMessageBatchOutput{}
	for _, entry := range input.Entries {
		if !c.deleteLocked(aws.ToString(entry.ReceiptHandle)) {
			out.Failed = append(out.Failed, types.BatchResultErrorEntry{
				Id:          entry.Id,
				Code:        aws.String("ReceiptHandleIsInvalid"),
				Message:     aws.String(ErrReceiptHandleIsInvalid.Error()),
				SenderFault: true,
			})
			continue
		}
		out.Successful = append(out.Successful, types.DeleteMessageBatchResultEntry{
			Id: entry.Id,
		})
	}
	return out, nil
}

// ChangeMessageVisibility implements the [queue.Client] interface.
func (c *Client) ChangeMessageVisibility(ctx context.Context, input *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.changeVisibilityLocked(aws.ToString(input.ReceiptHandle), input.VisibilityTimeout) {
		return nil, ErrReceiptHandleIsInvalid
	}
	c.visibility = append(c.visibility, types.ChangeMessageVisibilityBatchRequestEntry{
		ReceiptHandle:     input.ReceiptHandle,
		VisibilityTimeout: input.VisibilityTimeout,
	})
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

// ChangeMessageVisibilityBatch implements the [queue.Client] interface.
func (c *Client) ChangeMessageVisibilityBatch(ctx context.Context, input *sqs.ChangeMessageVisibilityBatchInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
	if len(input.Entries) > queue.MaxNumberOfMessages {
		return nil, errors.New("sqsfake: too many entries in batch request")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := &sqs.ChangeMessageVisibilityBatchOutput{}
	for _, entry := range input.Entries {
		if !c.changeVisibilityLocked(aws.ToString(entry.ReceiptHandle), entry.VisibilityTimeout) {
			out.Failed = append(out.Failed, types.BatchResultErrorEntry{
				Id:          entry.Id,
				Code:        aws.String("ReceiptHandleIsInvalid"),
				Message:     aws.String(ErrReceiptHandleIsInvalid.Error()),
				SenderFault: true,
			})
			continue
		}
		c.visibility = append(c.visibility, entry)
		out.Successful = append(out.Successful, types.ChangeMessageVisibilityBatchResultEntry{
			Id: entry.Id,
		})
	}
	return out, nil
}

func (c *Client) takeLocked(n int) []queue.Message {
	n = min(max(n, 1), len(c.visible))
	msgs := make([]queue.Message, 0, n)
	for _, msg := range c.visible[:n] {
		count, _ := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		attrs := make(map[string]string, len(msg.Attributes))
		for k, v := range msg.Attributes {
			attrs[k] = v
		}
		attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)] = strconv.Itoa(count + 1)
		msg.Attributes = attrs

		handle := uuid.NewString()
		msg.ReceiptHandle = aws.String(handle)
		c.inFlight[handle] = msg
		msgs = append(msgs, msg)
	}
	c.visible = slices.Delete(c.visible, 0, n)
	return msgs
}

func (c *Client) deleteLocked(handle string) bool {
	msg, ok := c.inFlight[handle]
	if !ok {
		return false
	}
	delete(c.inFlight, handle)
	c.deleted = append(c.deleted, aws.ToString(msg.MessageId))
	return true
}

func (c *Client) changeVisibilityLocked(handle string, timeout int32) bool {
	msg, ok := c.inFlight[handle]
	if !ok {
		return false
	}
	if timeout > 0 {
		return true
	}
	delete(c.inFlight, handle)
	msg.ReceiptHandle = nil
	c.visible = append(c.visible, msg)
	c.notifyLocked()
	return true
}

func (c *Client) notifyLocked() {
	close(c.arrived)
	c.arrived = make(chan struct{})
}
