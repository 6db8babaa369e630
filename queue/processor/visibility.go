// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package processor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/z5labs/sqslistener"
	"github.com/z5labs/sqslistener/config"
	"github.com/z5labs/sqslistener/queue"
)

// seconds rounds d up to whole seconds since SQS does not accept
// anything finer.
func seconds(d time.Duration) int32 {
	return int32(math.Ceil(d.Seconds()))
}

// VisibilityExtender changes the visibility timeout of a single message.
type VisibilityExtender struct {
	client queue.Client
	queue  queue.Properties
	msg    queue.Message
}

// NewVisibilityExtender
func NewVisibilityExtender(client queue.Client, props queue.Properties, msg queue.Message) *VisibilityExtender {
	return &VisibilityExtender{
		client: client,
		queue:  props,
		msg:    msg,
	}
}

// Extend makes the message invisible for d from now on.
func (v *VisibilityExtender) Extend(ctx context.Context, d time.Duration) error {
	_, err := v.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(v.queue.URL),
		ReceiptHandle:     v.msg.ReceiptHandle,
		VisibilityTimeout: seconds(d),
	})
	if err != nil {
		return fmt.Errorf("processor: failed to change message visibility: %w", err)
	}
	return nil
}

// Release makes the message visible again immediately so that it can be
// received by another consumer.
func (v *VisibilityExtender) Release(ctx context.Context) error {
	_, err := v.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:      aws.String(v.queue.URL),
		ReceiptHandle: v.msg.ReceiptHandle,
	})
	if err != nil {
		return fmt.Errorf("processor: failed to release message: %w", err)
	}
	return nil
}

// Visibility extracts a [VisibilityExtender] bound to the message.
func Visibility(client queue.Client, props queue.Properties) Extractor[*VisibilityExtender] {
	return func(ctx context.Context, msg queue.Message) (*VisibilityExtender, error) {
		return NewVisibilityExtender(client, props, msg), nil
	}
}

const (
	defaultAutoVisibilityTimeout = 30 * time.Second
	defaultAutoMaxDuration       = 15 * time.Minute
	defaultAutoBufferDuration    = 2 * time.Second
)

// AutoVisibilityProperties configure an [AutoVisibilityExtender].
type AutoVisibilityProperties struct {
	// VisibilityTimeout is the visibility timeout set on every extension.
	// It defaults to 30s.
	VisibilityTimeout config.Reader[time.Duration]

	// MaxDuration is how long a message may be processed before its
	// handler context is cancelled and extensions stop. It defaults to
	// 15 minutes.
	MaxDuration config.Reader[time.Duration]

	// BufferDuration is how long before the visibility timeout expires
	// the message is extended. It defaults to 2s.
	BufferDuration config.Reader[time.Duration]
}

type inFlight struct {
	msg     queue.Message
	started time.Time
	next    time.Time
	cancel  context.CancelFunc
}

// AutoVisibilityExtender is a [Decorator] which keeps extending the
// visibility of messages while they are being processed. Extensions for
// all messages due at the same time are sent together in
// ChangeMessageVisibilityBatch calls.
type AutoVisibilityExtender struct {
	NopDecorator

	log    *slog.Logger
	clock  clock.Clock
	client queue.Client
	queue  queue.Properties
	props  AutoVisibilityProperties

	mu       sync.Mutex
	running  bool
	changed  chan struct{}
	messages map[string]*inFlight
}

// AutoVisibilityOption configures an [AutoVisibilityExtender].
type AutoVisibilityOption func(*AutoVisibilityExtender)

// AutoVisibilityClock replaces the wall clock.
func AutoVisibilityClock(c clock.Clock) AutoVisibilityOption {
	return func(a *AutoVisibilityExtender) {
		a.clock = c
	}
}

// AutoVisibilityLogger
func AutoVisibilityLogger(log *slog.Logger) AutoVisibilityOption {
	return func(a *AutoVisibilityExtender) {
		a.log = log
	}
}

// NewAutoVisibilityExtender
func NewAutoVisibilityExtender(client queue.Client, props queue.Properties, auto AutoVisibilityProperties, opts ...AutoVisibilityOption) *AutoVisibilityExtender {
	a := &AutoVisibilityExtender{
		log:      sqslistener.Logger("github.com/z5labs/sqslistener/queue/processor"),
		clock:    clock.WallClock,
		client:   client,
		queue:    props,
		props:    auto,
		changed:  make(chan struct{}, 1),
		messages: make(map[string]*inFlight),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnPreProcess implements the [Decorator] interface.
func (a *AutoVisibilityExtender) OnPreProcess(ctx context.Context, msg queue.Message) context.Context {
	visibility, buffer := a.timing(ctx)

	ctx, cancel := context.WithCancel(ctx)
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.messages[aws.ToString(msg.ReceiptHandle)] = &inFlight{
		msg:     msg,
		started: now,
		next:    now.Add(visibility - buffer),
		cancel:  cancel,
	}
	if !a.running {
		a.running = true
		go a.run(context.WithoutCancel(ctx))
	}
	a.notify()
	return ctx
}

// OnResolveSuccess implements the [Decorator] interface.
func (a *AutoVisibilityExtender) OnResolveSuccess(ctx context.Context, msg queue.Message) {
	a.forget(msg)
}

// OnProcessFinished implements the [Decorator] interface.
func (a *AutoVisibilityExtender) OnProcessFinished(ctx context.Context, msg queue.Message) {
	a.forget(msg)
}

// InFlight returns the number of messages currently being extended.
func (a *AutoVisibilityExtender) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.messages)
}

func (a *AutoVisibilityExtender) forget(msg queue.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.messages[aws.ToString(msg.ReceiptHandle)]
	if !ok {
		return
	}
	delete(a.messages, aws.ToString(msg.ReceiptHandle))
	state.cancel()
	a.notify()
}

func (a *AutoVisibilityExtender) notify() {
	select {
	case a.changed <- struct{}{}:
	default:
	}
}

func (a *AutoVisibilityExtender) timing(ctx context.Context) (visibility, buffer time.Duration) {
	visibility = config.ReadOrLog(ctx, a.log, "visibility_timeout", defaultAutoVisibilityTimeout, a.props.VisibilityTimeout)
	if visibility <= 0 {
		visibility = defaultAutoVisibilityTimeout
	}
	buffer = config.ReadOrLog(ctx, a.log, "buffer_duration", defaultAutoBufferDuration, a.props.BufferDuration)
	buffer = min(max(buffer, 0), visibility/2)
	return visibility, buffer
}

// run extends messages until none are left in flight.
func (a *AutoVisibilityExtender) run(ctx context.Context) {
	for {
		maxDuration := config.ReadOrLog(ctx, a.log, "max_duration", defaultAutoMaxDuration, a.props.MaxDuration)
		if maxDuration <= 0 {
			maxDuration = defaultAutoMaxDuration
		}
		visibility, buffer := a.timing(ctx)

		due, wait, ok := a.tick(ctx, maxDuration, visibility-buffer)
		if !ok {
			return
		}
		for batch := range slices.Chunk(due, queue.MaxNumberOfMessages) {
			a.extend(ctx, batch, visibility)
		}

		timer := a.clock.NewTimer(wait)
		select {
		case <-timer.Chan():
		case <-a.changed:
		}
		timer.Stop()
	}
}

// tick interrupts messages past their max duration, collects the ones due
// for an extension and reports how long to wait for the next one.
func (a *AutoVisibilityExtender) tick(ctx context.Context, maxDuration, interval time.Duration) ([]queue.Message, time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.messages) == 0 {
		a.running = false
		return nil, 0, false
	}

	now := a.clock.Now()
	var due []queue.Message
	wait := maxDuration
	for handle, state := range a.messages {
		deadline := state.started.Add(maxDuration)
		if !now.Before(deadline) {
			a.log.WarnContext(
				ctx,
				"interrupting message which exceeded its max processing duration",
				sqslistener.MessageIDAttr(aws.ToString(state.msg.MessageId)),
				slog.Duration("max_duration", maxDuration),
			)
			state.cancel()
			delete(a.messages, handle)
			continue
		}
		if !now.Before(state.next) {
			due = append(due, state.msg)
			state.next = now.Add(interval)
		}
		wait = min(wait, state.next.Sub(now), deadline.Sub(now))
	}
	return due, max(wait, 0), true
}

func (a *AutoVisibilityExtender) extend(ctx context.Context, msgs []queue.Message, visibility time.Duration) {
	entries := make([]types.ChangeMessageVisibilityBatchRequestEntry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, types.ChangeMessageVisibilityBatchRequestEntry{
			Id:                aws.String(uuid.NewString()),
			ReceiptHandle:     msg.ReceiptHandle,
			VisibilityTimeout: seconds(visibility),
		})
	}

	out, err := a.client.ChangeMessageVisibilityBatch(ctx, &sqs.ChangeMessageVisibilityBatchInput{
		QueueUrl: aws.String(a.queue.URL),
		Entries:  entries,
	})
	if err != nil {
		a.log.ErrorContext(
			ctx,
			"failed to extend message visibility",
			sqslistener.QueueURLAttr(a.queue.URL),
			slog.Int("messaging.batch.message_count", len(msgs)),
			slog.Any("error", err),
		)
		return
	}
	for _, failed := range out.Failed {
		a.log.ErrorContext(
			ctx,
			"message visibility was not extended",
			sqslistener.QueueURLAttr(a.queue.URL),
			slog.String("code", aws.ToString(failed.Code)),
			slog.String("reason", aws.ToString(failed.Message)),
		)
	}
}
