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

// Slice is a [queue.Retriever] over a fixed set of messages. It returns
// [queue.ErrEndOfQueue] once every message has been retrieved.
type Slice struct {
	mu       sync.Mutex
	messages []queue.Message
}

// NewSlice
func NewSlice(msgs []queue.Message) *Slice {
	return &Slice{
		messages: msgs,
	}
}

// Retrieve implements the [queue.Retriever] interface.
func (s *Slice) Retrieve(ctx context.Context) (queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) == 0 {
		return queue.Message{}, queue.ErrEndOfQueue
	}
	msg := s.messages[0]
	s.messages = s.messages[1:]
	return msg, nil
}

// Len returns the number of messages which have not been retrieved.
func (s *Slice) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.messages)
}
