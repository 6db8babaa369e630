// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/z5labs/sqslistener"
	"github.com/z5labs/sqslistener/config"
	"github.com/z5labs/sqslistener/queue"
)

const (
	defaultBufferingSizeLimit = queue.MaxNumberOfMessages
	defaultBufferingTime      = 5 * time.Second
)

// BatchingProperties configure a [Batching] resolver. Both values are
// read again for every batch.
type BatchingProperties struct {
	// BufferingSizeLimit is the number of messages which triggers a
	// delete call before the buffering time has elapsed. It defaults to 10
	// and is clamped to [1, 10].
	BufferingSizeLimit config.Reader[int]

	// BufferingTime is how long to wait for more messages once the first
	// message of a batch has been submitted. It defaults to 5s.
	BufferingTime config.Reader[time.Duration]
}

type resolution struct {
	msg  queue.Message
	done chan error
}

// Batching is a [queue.Resolver] which deletes messages with
// DeleteMessageBatch calls. Its background loop must be started with Run.
type Batching struct {
	log    *slog.Logger
	opts   *Options
	client queue.Client
	queue  queue.Properties
	props  BatchingProperties

	// submitted is signalled whenever a message is submitted.
	submitted chan struct{}

	mu      sync.Mutex
	stopped bool
	pending []*resolution
}

// NewBatching
func NewBatching(client queue.Client, props queue.Properties, batching BatchingProperties, opts ...Option) *Batching {
	o := newOptions(opts...)
	return &Batching{
		log:       o.log,
		opts:      o,
		client:    client,
		queue:     props,
		props:     batching,
		submitted: make(chan struct{}, 1),
	}
}

// Resolve implements the [queue.Resolver] interface. It blocks until the
// batch containing msg has been deleted or ctx is done. A message whose
// caller gave up is still deleted.
func (b *Batching) Resolve(ctx context.Context, msg queue.Message) error {
	r := &resolution{
		msg:  msg,
		done: make(chan error, 1),
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	b.pending = append(b.pending, r)
	b.mu.Unlock()

	select {
	case b.submitted <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-r.done:
		return err
	}
}

// Run implements the [queue.Runner] interface.
//
// Once ctx is cancelled every submitted message is flushed and Run waits
// for all delete calls to complete before returning. Delete calls are not
// cancelled along with ctx.
func (b *Batching) Run(ctx context.Context) error {
	deleteCtx := context.WithoutCancel(ctx)

	wg := conc.NewWaitGroup()
	for {
		batch, err := b.nextBatch(ctx)
		if err != nil {
			break
		}
		wg.Go(func() {
			b.delete(deleteCtx, batch)
		})
	}

	rest := b.stop()
	for batch := range slices.Chunk(rest, queue.MaxNumberOfMessages) {
		wg.Go(func() {
			b.delete(deleteCtx, batch)
		})
	}

	b.log.InfoContext(ctx, "waiting for in-flight deletes", sqslistener.QueueURLAttr(b.queue.URL), slog.Int("flushed", len(rest)))
	wg.Wait()
	return nil
}

// nextBatch waits for the first submitted message and then for the batch
// to fill up or the buffering time to elapse, whichever happens first.
func (b *Batching) nextBatch(ctx context.Context) ([]*resolution, error) {
	for b.size() == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.submitted:
		}
	}

	limit := config.ReadOrLog(ctx, b.log, "buffering_size_limit", defaultBufferingSizeLimit, b.props.BufferingSizeLimit)
	limit = min(max(limit, 1), queue.MaxNumberOfMessages)

	wait := config.ReadOrLog(ctx, b.log, "buffering_time", defaultBufferingTime, b.props.BufferingTime)
	timer := b.opts.clock.NewTimer(max(wait, 0))
	defer timer.Stop()

	for b.size() < limit {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.submitted:
		case <-timer.Chan():
			return b.take(limit), nil
		}
	}
	return b.take(limit), nil
}

func (b *Batching) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

func (b *Batching) take(n int) []*resolution {
	b.mu.Lock()
	defer b.mu.Unlock()

	n = min(n, len(b.pending))
	batch := slices.Clone(b.pending[:n])
	b.pending = slices.Delete(b.pending, 0, n)
	return batch
}

// stop refuses any further messages and returns the ones still pending.
func (b *Batching) stop() []*resolution {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	rest := b.pending
	b.pending = nil
	return rest
}

// Reset implements the [queue.Resetter] interface.
func (b *Batching) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = false
}

func (b *Batching) delete(ctx context.Context, batch []*resolution) {
	byID := make(map[string]*resolution, len(batch))
	entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(batch))
	for _, r := range batch {
		id := uuid.NewString()
		byID[id] = r
		entries = append(entries, types.DeleteMessageBatchRequestEntry{
			Id:            aws.String(id),
			ReceiptHandle: r.msg.ReceiptHandle,
		})
	}

	out, err := b.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(b.queue.URL),
		Entries:  entries,
	})
	if err != nil {
		b.log.ErrorContext(
			ctx,
			"failed to delete message batch",
			sqslistener.QueueURLAttr(b.queue.URL),
			slog.Int("messaging.batch.message_count", len(batch)),
			slog.Any("error", err),
		)

		err = fmt.Errorf("resolver: failed to delete message batch: %w", err)
		for _, r := range batch {
			r.done <- err
		}
		return
	}

	for _, entry := range out.Successful {
		r, ok := byID[aws.ToString(entry.Id)]
		if !ok {
			continue
		}
		delete(byID, aws.ToString(entry.Id))
		r.done <- nil
	}
	for _, entry := range out.Failed {
		r, ok := byID[aws.ToString(entry.Id)]
		if !ok {
			continue
		}
		delete(byID, aws.ToString(entry.Id))

		b.log.WarnContext(
			ctx,
			"message was not deleted",
			sqslistener.QueueURLAttr(b.queue.URL),
			sqslistener.MessageIDAttr(aws.ToString(r.msg.MessageId)),
			slog.String("code", aws.ToString(entry.Code)),
			slog.Bool("sender_fault", entry.SenderFault),
		)
		r.done <- &EntryError{
			Code:        aws.ToString(entry.Code),
			Message:     aws.ToString(entry.Message),
			SenderFault: entry.SenderFault,
		}
	}
	for _, r := range byID {
		r.done <- ErrEntryMissing
	}
}
