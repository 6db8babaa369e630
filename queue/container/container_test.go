// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package container

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"github.com/z5labs/sqslistener/config"
	"github.com/z5labs/sqslistener/internal/sqsfake"
	"github.com/z5labs/sqslistener/queue"
	"github.com/z5labs/sqslistener/queue/broker"
	"github.com/z5labs/sqslistener/queue/resolver"
	"github.com/z5labs/sqslistener/queue/retriever"
)

var testQueue = queue.Properties{URL: "https://sqs.us-east-1.amazonaws.com/000000000000/orders"}

func message(id string) queue.Message {
	return queue.Message{
		MessageId: aws.String(id),
		Body:      aws.String("body " + id),
	}
}

// idleRetriever never hands out a message. When stopped it returns
// extra as the messages it had buffered.
type idleRetriever struct {
	extra []queue.Message
}

func (r idleRetriever) Retrieve(ctx context.Context) (queue.Message, error) {
	<-ctx.Done()
	return queue.Message{}, ctx.Err()
}

func (r idleRetriever) Run(ctx context.Context) []queue.Message {
	<-ctx.Done()
	return r.extra
}

// stuckRetriever ignores cancellation of its background loop until
// release is closed.
type stuckRetriever struct {
	release chan struct{}
}

func (r stuckRetriever) Retrieve(ctx context.Context) (queue.Message, error) {
	<-ctx.Done()
	return queue.Message{}, ctx.Err()
}

func (r stuckRetriever) Run(ctx context.Context) []queue.Message {
	<-r.release
	return nil
}

// recordingProcessor records the ids of processed messages and resolves
// each of them.
type recordingProcessor struct {
	mu  sync.Mutex
	ids []string
}

func (p *recordingProcessor) Process(ctx context.Context, msg queue.Message, resolve queue.ResolveFunc) error {
	p.mu.Lock()
	p.ids = append(p.ids, aws.ToString(msg.MessageId))
	p.mu.Unlock()

	return resolve(ctx)
}

func (p *recordingProcessor) processed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.ids...)
}

// recordingResolver records the ids of resolved messages.
type recordingResolver struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingResolver) Resolve(ctx context.Context, msg queue.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ids = append(r.ids, aws.ToString(msg.MessageId))
	return nil
}

func (r *recordingResolver) resolved() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.ids...)
}

func waitForState(t *testing.T, c *Container, state State) {
	t.Helper()

	require.Eventually(t, func() bool {
		return c.State() == state
	}, time.Second, time.Millisecond)
}

func TestContainer_Start(t *testing.T) {
	t.Run("will do nothing", func(t *testing.T) {
		t.Run("if the container is already running", func(t *testing.T) {
			c := New(Components{
				Retriever: idleRetriever{},
				Processor: &recordingProcessor{},
				Resolver:  &recordingResolver{},
				Broker:    broker.New(broker.Properties{ConcurrencyLevel: config.ReaderOf(1)}),
			}, Properties{}, ID("orders"))

			require.NoError(t, c.Start(context.Background()))
			waitForState(t, c, Running)
			done := c.Done()

			require.NoError(t, c.Start(context.Background()))
			require.Equal(t, Running, c.State())
			require.Equal(t, done, c.Done())

			c.Stop(time.Second)
			require.Equal(t, Stopped, c.State())
		})
	})

	t.Run("will keep running", func(t *testing.T) {
		t.Run("if the context given to Start is cancelled", func(t *testing.T) {
			c := New(Components{
				Retriever: idleRetriever{},
				Processor: &recordingProcessor{},
				Resolver:  &recordingResolver{},
				Broker:    broker.New(broker.Properties{ConcurrencyLevel: config.ReaderOf(1)}),
			}, Properties{})

			ctx, cancel := context.WithCancel(context.Background())
			require.NoError(t, c.Start(ctx))
			waitForState(t, c, Running)
			cancel()

			require.Never(t, func() bool {
				return c.State() != Running
			}, 20*time.Millisecond, time.Millisecond)

			c.Stop(time.Second)
		})
	})

	t.Run("will return ErrStopping", func(t *testing.T) {
		t.Run("if the previous run is still shutting down", func(t *testing.T) {
			release := make(chan struct{})
			started := make(chan struct{}, 1)
			processor := queue.ProcessorFunc(func(ctx context.Context, msg queue.Message, resolve queue.ResolveFunc) error {
				started <- struct{}{}
				<-release
				return nil
			})

			clk := testclock.NewClock(time.Now())
			c := New(Components{
				Retriever: retriever.NewSlice([]queue.Message{message("a")}),
				Processor: processor,
				Resolver:  &recordingResolver{},
				Broker:    broker.New(broker.Properties{ConcurrencyLevel: config.ReaderOf(1)}),
			}, Properties{
				ProcessingShutdownTimeout: config.ReaderOf(time.Hour),
			}, Clock(clk))

			require.NoError(t, c.Start(context.Background()))
			<-started

			stopped := make(chan struct{})
			go func() {
				defer close(stopped)
				c.Stop(time.Minute)
			}()

			// Only the stop timeout elapses, the handler is still running.
			require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 2))
			<-stopped
			require.Equal(t, Stopping, c.State())

			err := c.Start(context.Background())
			require.ErrorIs(t, err, ErrStopping)

			close(release)
			select {
			case <-c.Done():
			case <-time.After(time.Second):
				t.Fatal("container did not stop")
			}
			require.Equal(t, Stopped, c.State())
		})
	})

	t.Run("will process messages again", func(t *testing.T) {
		t.Run("if the container is restarted after being stopped", func(t *testing.T) {
			client := sqsfake.New()
			processor := &recordingProcessor{}

			c := New(Components{
				Retriever: retriever.NewBatching(client, testQueue, retriever.BatchingProperties{
					BatchSize:      config.ReaderOf(1),
					BatchingPeriod: config.ReaderOf(time.Hour),
				}),
				Processor: processor,
				Resolver: resolver.NewBatching(client, testQueue, resolver.BatchingProperties{
					BufferingSizeLimit: config.ReaderOf(1),
				}),
				Broker: broker.New(broker.Properties{ConcurrencyLevel: config.ReaderOf(1)}),
			}, Properties{})

			require.NoError(t, c.Start(context.Background()))
			first := client.Send("first")
			require.Eventually(t, func() bool {
				return len(client.Deleted()) == 1
			}, 2*time.Second, time.Millisecond)

			c.Stop(time.Second)
			require.Equal(t, Stopped, c.State())

			require.NoError(t, c.Start(context.Background()))
			waitForState(t, c, Running)
			second := client.Send("second")
			require.Eventually(t, func() bool {
				return len(client.Deleted()) == 2
			}, 2*time.Second, time.Millisecond)

			want := append(first, second...)
			require.Equal(t, want, client.Deleted())
			require.Equal(t, want, processor.processed())
			require.Equal(t, Running, c.State())

			c.Stop(time.Second)
			require.Equal(t, Stopped, c.State())
			require.Zero(t, client.InFlight())
		})
	})
}

func TestContainer_Healthy(t *testing.T) {
	t.Run("will report healthy", func(t *testing.T) {
		t.Run("only while the container is running", func(t *testing.T) {
			c := New(Components{
				Retriever: idleRetriever{},
				Processor: &recordingProcessor{},
				Resolver:  &recordingResolver{},
				Broker:    broker.New(broker.Properties{ConcurrencyLevel: config.ReaderOf(1)}),
			}, Properties{})

			healthy, err := c.Healthy(context.Background())
			require.NoError(t, err)
			require.False(t, healthy)

			require.NoError(t, c.Start(context.Background()))
			waitForState(t, c, Running)

			healthy, err = c.Healthy(context.Background())
			require.NoError(t, err)
			require.True(t, healthy)

			c.Stop(time.Second)

			healthy, err = c.Healthy(context.Background())
			require.NoError(t, err)
			require.False(t, healthy)
		})
	})
}

func TestContainer_Stop(t *testing.T) {
	t.Run("will process extra messages", func(t *testing.T) {
		t.Run("if enabled", func(t *testing.T) {
			processor := &recordingProcessor{}
			res := &recordingResolver{}

			c := New(Components{
				Retriever: idleRetriever{extra: []queue.Message{message("a"), message("b"), message("c")}},
				Processor: processor,
				Resolver:  res,
				Broker:    broker.New(broker.Properties{ConcurrencyLevel: config.ReaderOf(2)}),
			}, Properties{
				ProcessExtraMessagesOnShutdown: config.ReaderOf(true),
			})

			require.NoError(t, c.Start(context.Background()))
			waitForState(t, c, Running)
			require.Empty(t, processor.processed())

			c.Stop(time.Second)
			require.Equal(t, Stopped, c.State())
			require.ElementsMatch(t, []string{"a", "b", "c"}, processor.processed())
			require.ElementsMatch(t, []string{"a", "b", "c"}, res.resolved())
		})
	})

	t.Run("will leave extra messages on the queue", func(t *testing.T) {
		t.Run("if processing them is disabled", func(t *testing.T) {
			processor := &recordingProcessor{}
			res := &recordingResolver{}

			c := New(Components{
				Retriever: idleRetriever{extra: []queue.Message{message("a"), message("b"), message("c")}},
				Processor: processor,
				Resolver:  res,
				Broker:    broker.New(broker.Properties{ConcurrencyLevel: config.ReaderOf(2)}),
			}, Properties{
				ProcessExtraMessagesOnShutdown: config.ReaderOf(false),
			})

			require.NoError(t, c.Start(context.Background()))
			waitForState(t, c, Running)

			c.Stop(time.Second)
			require.Equal(t, Stopped, c.State())
			require.Empty(t, processor.processed())
			require.Empty(t, res.resolved())
		})
	})

	t.Run("will cancel running handlers", func(t *testing.T) {
		t.Run("if interrupt on shutdown is enabled", func(t *testing.T) {
			started := make(chan struct{}, 1)
			var interrupted atomic.Bool
			processor := queue.ProcessorFunc(func(ctx context.Context, msg queue.Message, resolve queue.ResolveFunc) error {
				started <- struct{}{}
				<-ctx.Done()
				interrupted.Store(true)
				return ctx.Err()
			})

			c := New(Components{
				Retriever: retriever.NewSlice([]queue.Message{message("a")}),
				Processor: processor,
				Resolver:  &recordingResolver{},
				Broker:    broker.New(broker.Properties{ConcurrencyLevel: config.ReaderOf(1)}),
			}, Properties{
				InterruptOnShutdown: config.ReaderOf(true),
			})

			require.NoError(t, c.Start(context.Background()))
			<-started

			c.Stop(time.Second)
			require.Equal(t, Stopped, c.State())
			require.True(t, interrupted.Load())
		})
	})

	t.Run("will not wait forever for running handlers", func(t *testing.T) {
		t.Run("if the processing shutdown timeout passes", func(t *testing.T) {
			started := make(chan struct{}, 1)
			release := make(chan struct{})
			t.Cleanup(func() { close(release) })

			processor := queue.ProcessorFunc(func(ctx context.Context, msg queue.Message, resolve queue.ResolveFunc) error {
				started <- struct{}{}
				<-release
				return nil
			})

			clk := testclock.NewClock(time.Now())
			c := New(Components{
				Retriever: retriever.NewSlice([]queue.Message{message("a")}),
				Processor: processor,
				Resolver:  &recordingResolver{},
				Broker:    broker.New(broker.Properties{ConcurrencyLevel: config.ReaderOf(1)}),
			}, Properties{
				ProcessingShutdownTimeout: config.ReaderOf(time.Minute),
			}, Clock(clk))

			require.NoError(t, c.Start(context.Background()))
			<-started

			stopped := make(chan struct{})
			go func() {
				defer close(stopped)
				c.Stop(time.Hour)
			}()

			// The stop timeout and the processing timeout are both waiting.
			require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 2))
			<-stopped
			require.Equal(t, Stopped, c.State())
		})
	})

	t.Run("will not wait forever for the retriever", func(t *testing.T) {
		t.Run("if the retriever shutdown timeout passes", func(t *testing.T) {
			release := make(chan struct{})
			t.Cleanup(func() { close(release) })

			clk := testclock.NewClock(time.Now())
			c := New(Components{
				Retriever: stuckRetriever{release: release},
				Processor: &recordingProcessor{},
				Resolver:  &recordingResolver{},
				Broker:    broker.New(broker.Properties{ConcurrencyLevel: config.ReaderOf(1)}),
			}, Properties{
				RetrieverShutdownTimeout: config.ReaderOf(time.Minute),
			}, Clock(clk))

			require.NoError(t, c.Start(context.Background()))
			waitForState(t, c, Running)

			stopped := make(chan struct{})
			go func() {
				defer close(stopped)
				c.Stop(time.Hour)
			}()

			require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 2))
			select {
			case <-c.Done():
			case <-time.After(time.Second):
				t.Fatal("container did not stop")
			}
			<-stopped
			require.Equal(t, Stopped, c.State())
		})
	})

	t.Run("will do nothing", func(t *testing.T) {
		t.Run("if the container was never started", func(t *testing.T) {
			c := New(Components{
				Retriever: idleRetriever{},
				Processor: &recordingProcessor{},
				Resolver:  &recordingResolver{},
				Broker:    broker.New(broker.Properties{}),
			}, Properties{})

			c.Stop(time.Second)
			require.Equal(t, Stopped, c.State())

			select {
			case <-c.Done():
			default:
				t.Fatal("done channel should be closed")
			}
		})
	})
}

func TestContainer(t *testing.T) {
	t.Run("will process every message with bounded concurrency", func(t *testing.T) {
		t.Run("if messages are retrieved in batches", func(t *testing.T) {
			client := sqsfake.New()
			client.Send("a", "b", "c", "d")

			gate := make(chan struct{})
			var running atomic.Int64
			var processed atomic.Int64
			var fetchesAtLast atomic.Int64
			processor := queue.ProcessorFunc(func(ctx context.Context, msg queue.Message, resolve queue.ResolveFunc) error {
				running.Add(1)
				defer running.Add(-1)

				if processed.Add(1) == 4 {
					fetchesAtLast.Store(int64(len(client.Receives())))
				}

				<-gate
				return resolve(ctx)
			})

			r := retriever.NewBatching(client, testQueue, retriever.BatchingProperties{
				BatchSize:      config.ReaderOf(2),
				BatchingPeriod: config.ReaderOf(time.Hour),
			})
			res := resolver.NewBatching(client, testQueue, resolver.BatchingProperties{
				BufferingSizeLimit: config.ReaderOf(2),
				BufferingTime:      config.ReaderOf(10 * time.Millisecond),
			})

			c := New(Components{
				Retriever: r,
				Processor: processor,
				Resolver:  res,
				Broker: broker.New(broker.Properties{
					ConcurrencyLevel: config.ReaderOf(2),
				}),
			}, Properties{})

			require.NoError(t, c.Start(context.Background()))

			require.Eventually(t, func() bool {
				return running.Load() == 2
			}, time.Second, time.Millisecond)
			require.Never(t, func() bool {
				return running.Load() > 2
			}, 20*time.Millisecond, time.Millisecond)
			require.Equal(t, 2, c.Stats().Active)

			receives := client.Receives()
			require.Len(t, receives, 1)
			require.Equal(t, int32(2), receives[0].MaxNumberOfMessages)

			close(gate)
			require.Eventually(t, func() bool {
				return len(client.Deleted()) == 4
			}, time.Second, time.Millisecond)
			require.LessOrEqual(t, fetchesAtLast.Load(), int64(2))

			c.Stop(time.Second)
			require.Equal(t, Stopped, c.State())
			require.Zero(t, client.InFlight())
		})
	})
}
