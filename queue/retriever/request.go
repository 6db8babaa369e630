// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package retriever

import (
	"context"
	"sync/atomic"

	"github.com/z5labs/sqslistener/queue"
)

const (
	requestPending int32 = iota
	requestClaimed
	requestAbandoned
)

type response struct {
	msg queue.Message
	err error
}

// Request is a pending demand for exactly one message.
//
// A Request is completed at most once. If the caller stops waiting before
// it is completed, the Request is abandoned and will never be paired with
// a message.
type Request struct {
	state atomic.Int32
	done  chan response
}

// NewRequest
func NewRequest() *Request {
	return &Request{
		done: make(chan response, 1),
	}
}

// claim reserves the request for completion. Only the caller which
// successfully claims a request may complete it.
func (r *Request) claim() bool {
	return r.state.CompareAndSwap(requestPending, requestClaimed)
}

func (r *Request) abandoned() bool {
	return r.state.Load() == requestAbandoned
}

// deliver must only be called after a successful claim.
func (r *Request) deliver(msg queue.Message) {
	r.done <- response{msg: msg}
}

func (r *Request) fail(err error) {
	if !r.claim() {
		return
	}
	r.done <- response{err: err}
}

// Wait blocks until the request has been completed or ctx is cancelled.
//
// A request which was claimed before ctx was cancelled still returns its
// message so that it is not lost.
func (r *Request) Wait(ctx context.Context) (queue.Message, error) {
	select {
	case resp := <-r.done:
		return resp.msg, resp.err
	case <-ctx.Done():
		if r.state.CompareAndSwap(requestPending, requestAbandoned) {
			return queue.Message{}, ctx.Err()
		}
		resp := <-r.done
		return resp.msg, resp.err
	}
}
