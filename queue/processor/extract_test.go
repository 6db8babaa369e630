// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package processor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"
	"github.com/z5labs/sqslistener/queue"
)

func TestExtractors(t *testing.T) {
	testCases := []struct {
		Name    string
		Extract func(context.Context, queue.Message) (any, error)
		Want    any
		Err     error
	}{
		{
			Name: "will extract the receive count",
			Extract: func(ctx context.Context, msg queue.Message) (any, error) {
				return ReceiveCount()(ctx, msg)
			},
			Want: 2,
		},
		{
			Name: "will extract a system attribute",
			Extract: func(ctx context.Context, msg queue.Message) (any, error) {
				return SystemAttribute(types.MessageSystemAttributeNameApproximateReceiveCount)(ctx, msg)
			},
			Want: "2",
		},
		{
			Name: "will return ErrMissingAttribute if the system attribute is absent",
			Extract: func(ctx context.Context, msg queue.Message) (any, error) {
				return SystemAttribute(types.MessageSystemAttributeNameMessageGroupId)(ctx, msg)
			},
			Err: ErrMissingAttribute,
		},
		{
			Name: "will return ErrMissingAttribute if a string attribute is binary",
			Extract: func(ctx context.Context, msg queue.Message) (any, error) {
				return MessageAttribute("checksum")(ctx, msg)
			},
			Err: ErrMissingAttribute,
		},
		{
			Name: "will extract a binary message attribute",
			Extract: func(ctx context.Context, msg queue.Message) (any, error) {
				return BinaryMessageAttribute("checksum")(ctx, msg)
			},
			Want: []byte{0xca, 0xfe},
		},
		{
			Name: "will return ErrNotAcknowledgeable outside of a processor",
			Extract: func(ctx context.Context, msg queue.Message) (any, error) {
				return Acknowledge()(ctx, msg)
			},
			Err: ErrNotAcknowledgeable,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Name, func(t *testing.T) {
			msg := orderMessage()
			msg.MessageAttributes["checksum"] = types.MessageAttributeValue{
				DataType:    aws.String("Binary"),
				BinaryValue: []byte{0xca, 0xfe},
			}

			got, err := testCase.Extract(context.Background(), msg)
			if testCase.Err != nil {
				require.ErrorIs(t, err, testCase.Err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, testCase.Want, got)
		})
	}
}

func TestJSONBody(t *testing.T) {
	t.Run("will return an error", func(t *testing.T) {
		t.Run("if the body is not valid json", func(t *testing.T) {
			msg := orderMessage()
			msg.Body = aws.String("not json")

			_, err := JSONBody[order]()(context.Background(), msg)

			var syntaxErr *json.SyntaxError
			require.ErrorAs(t, err, &syntaxErr)
		})
	})
}
