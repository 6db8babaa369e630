// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/z5labs/sqslistener/queue"
)

var (
	// ErrMissingAttribute is returned when a message does not carry the
	// requested attribute.
	ErrMissingAttribute = errors.New("processor: missing attribute")

	// ErrNotAcknowledgeable is returned by [Acknowledge] outside of a
	// [Func] processor.
	ErrNotAcknowledgeable = errors.New("processor: message cannot be acknowledged")
)

// ExtractionError wraps the failure of an [Extractor].
type ExtractionError struct {
	// Index is the position of the failed argument.
	Index int
	Cause error
}

// Error implements the [error] interface.
func (e ExtractionError) Error() string {
	return fmt.Sprintf("processor: failed to extract argument %d: %s", e.Index, e.Cause)
}

// Unwrap
func (e ExtractionError) Unwrap() error {
	return e.Cause
}

// Extractor produces a single handler argument from a message.
type Extractor[T any] func(context.Context, queue.Message) (T, error)

func extract[T any](ctx context.Context, msg queue.Message, index int, e Extractor[T]) (T, error) {
	v, err := e(ctx, msg)
	if err != nil {
		var zero T
		return zero, ExtractionError{Index: index, Cause: err}
	}
	return v, nil
}

// Map transforms the value produced by e.
func Map[A, B any](e Extractor[A], f func(A) (B, error)) Extractor[B] {
	return func(ctx context.Context, msg queue.Message) (B, error) {
		a, err := e(ctx, msg)
		if err != nil {
			var zero B
			return zero, err
		}
		return f(a)
	}
}

// Message extracts the message itself.
func Message() Extractor[queue.Message] {
	return func(ctx context.Context, msg queue.Message) (queue.Message, error) {
		return msg, nil
	}
}

// Body
func Body() Extractor[string] {
	return func(ctx context.Context, msg queue.Message) (string, error) {
		return aws.ToString(msg.Body), nil
	}
}

// JSONBody unmarshals the message body into a T.
func JSONBody[T any]() Extractor[T] {
	return func(ctx context.Context, msg queue.Message) (T, error) {
		var v T
		err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &v)
		if err != nil {
			return v, err
		}
		return v, nil
	}
}

// MessageID
func MessageID() Extractor[string] {
	return func(ctx context.Context, msg queue.Message) (string, error) {
		return aws.ToString(msg.MessageId), nil
	}
}

// MessageAttribute extracts the value of a String or Number message
// attribute.
func MessageAttribute(name string) Extractor[string] {
	return func(ctx context.Context, msg queue.Message) (string, error) {
		attr, ok := msg.MessageAttributes[name]
		if !ok || attr.StringValue == nil {
			return "", fmt.Errorf("%w: %s", ErrMissingAttribute, name)
		}
		return *attr.StringValue, nil
	}
}

// BinaryMessageAttribute extracts the value of a Binary message attribute.
func BinaryMessageAttribute(name string) Extractor[[]byte] {
	return func(ctx context.Context, msg queue.Message) ([]byte, error) {
		attr, ok := msg.MessageAttributes[name]
		if !ok || attr.BinaryValue == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingAttribute, name)
		}
		return attr.BinaryValue, nil
	}
}

// SystemAttribute extracts a message system attribute, such as
// SentTimestamp or MessageGroupId.
func SystemAttribute(name types.MessageSystemAttributeName) Extractor[string] {
	return func(ctx context.Context, msg queue.Message) (string, error) {
		v, ok := msg.Attributes[string(name)]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingAttribute, name)
		}
		return v, nil
	}
}

// ReceiveCount extracts the approximate number of times the message has
// been received.
func ReceiveCount() Extractor[int] {
	return Map(
		SystemAttribute(types.MessageSystemAttributeNameApproximateReceiveCount),
		strconv.Atoi,
	)
}

type resolveKey struct{}

// Acknowledge extracts the function which resolves the message. It is
// meant for processors created with [ManualAcknowledgement].
func Acknowledge() Extractor[queue.ResolveFunc] {
	return func(ctx context.Context, msg queue.Message) (queue.ResolveFunc, error) {
		resolve, ok := ctx.Value(resolveKey{}).(queue.ResolveFunc)
		if !ok {
			return nil, ErrNotAcknowledgeable
		}
		return resolve, nil
	}
}
