// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package retriever

import (
	"context"
	"sync"

	"github.com/z5labs/sqslistener/queue"
)

// MatchingQueue pairs pending [Request]s with messages in FIFO order.
//
// At any time it holds either unmatched requests or unmatched messages,
// never both. Unmatched messages are bounded by its capacity. A capacity of
// zero makes every pushed message wait until a request is available.
type MatchingQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	closed   bool
	requests []*Request
	messages []queue.Message
}

// NewMatchingQueue returns an empty queue holding at most capacity
// unmatched messages. A negative capacity is treated as zero.
func NewMatchingQueue(capacity int) *MatchingQueue {
	q := &MatchingQueue{
		capacity: max(capacity, 0),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// PushRequest pairs r with the oldest unmatched message or
// queues it until a message is pushed. Requests pushed after
// [MatchingQueue.Drain] fail with [ErrStopped].
func (q *MatchingQueue) PushRequest(r *Request) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		r.fail(ErrStopped)
		return
	}
	if len(q.messages) > 0 {
		if !r.claim() {
			q.mu.Unlock()
			return
		}
		msg := q.messages[0]
		q.messages[0] = queue.Message{}
		q.messages = q.messages[1:]
		q.cond.Broadcast()
		q.mu.Unlock()

		r.deliver(msg)
		return
	}
	q.requests = append(q.requests, r)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// PushMessage pairs msg with the oldest pending request. If there are
// none it blocks until the queue has room for another unmatched message
// or ctx is cancelled, in which case msg is not queued.
func (q *MatchingQueue) PushMessage(ctx context.Context, msg queue.Message) error {
	stop := context.AfterFunc(ctx, q.wake)
	defer stop()

	q.mu.Lock()
	for {
		if r := q.popRequestLocked(); r != nil {
			q.mu.Unlock()
			r.deliver(msg)
			return nil
		}
		if q.closed {
			q.mu.Unlock()
			return ErrStopped
		}
		if len(q.messages) < q.capacity {
			q.messages = append(q.messages, msg)
			q.mu.Unlock()
			return nil
		}
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return err
		}
		q.cond.Wait()
	}
}

// WaitForCapacity blocks until a pushed message would not have to wait,
// either because there is a free slot or, with zero capacity, because a
// request is pending.
func (q *MatchingQueue) WaitForCapacity(ctx context.Context) error {
	stop := context.AfterFunc(ctx, q.wake)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return ErrStopped
		}
		if q.hasCapacityLocked() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
}

// Buffered returns the number of unmatched messages.
func (q *MatchingQueue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.messages)
}

// Drain closes the queue and returns everything it held. Pending requests
// are failed with [ErrStopped] and blocked pushers are released.
func (q *MatchingQueue) Drain() []queue.Message {
	q.mu.Lock()
	q.closed = true
	requests := q.requests
	messages := q.messages
	q.requests = nil
	q.messages = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, r := range requests {
		r.fail(ErrStopped)
	}
	return messages
}

// Reopen accepts requests and messages again after a [MatchingQueue.Drain].
func (q *MatchingQueue) Reopen() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = false
}

// Invariant reports whether the queue holds unmatched requests and
// unmatched messages at the same time, which must never happen.
func (q *MatchingQueue) Invariant() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.requests) == 0 || len(q.messages) == 0
}

func (q *MatchingQueue) hasCapacityLocked() bool {
	if q.capacity == 0 {
		for _, r := range q.requests {
			if !r.abandoned() {
				return true
			}
		}
		return false
	}
	return len(q.messages) < q.capacity
}

// popRequestLocked skips over abandoned requests.
func (q *MatchingQueue) popRequestLocked() *Request {
	for len(q.requests) > 0 {
		r := q.requests[0]
		q.requests[0] = nil
		q.requests = q.requests[1:]
		if r.claim() {
			return r
		}
	}
	return nil
}

func (q *MatchingQueue) wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}
