// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package queue defines the contracts shared by the components which
// listen to an SQS queue.
//
// Listening to a queue is split into three concerns:
//
//   - Retriever: hands out messages, usually by batching or prefetching
//     calls to ReceiveMessage
//   - Processor: runs business logic for a single message and decides
//     whether it should be resolved
//   - Resolver: deletes resolved messages from the queue
//
// The broker package dispatches messages from a Retriever to a Processor
// under a dynamic concurrency limit and the container package owns the
// lifecycle of all of them.
//
// # Example Usage
//
//	proc := queue.ProcessorFunc(func(ctx context.Context, msg queue.Message, resolve queue.ResolveFunc) error {
//	    if err := handle(ctx, aws.ToString(msg.Body)); err != nil {
//	        return err
//	    }
//	    return resolve(ctx)
//	})
//
// Messages which are not resolved become visible again once their
// visibility timeout expires, which gives at-least-once delivery.
package queue
