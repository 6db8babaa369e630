// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package retriever

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"
	"github.com/z5labs/sqslistener/queue"
)

func TestReceiveInput(t *testing.T) {
	props := queue.Properties{URL: "https://sqs.us-east-1.amazonaws.com/000000000000/orders"}

	testCases := []struct {
		Name              string
		Params            receiveParams
		MaxMessages       int32
		WaitTimeSeconds   int32
		VisibilityTimeout int32
	}{
		{
			Name:            "will cap the number of messages at the service maximum",
			Params:          receiveParams{maxMessages: 15, waitTime: 20 * time.Second},
			MaxMessages:     10,
			WaitTimeSeconds: 20,
		},
		{
			Name:            "will always ask for at least one message",
			Params:          receiveParams{maxMessages: 0, waitTime: 5 * time.Second},
			MaxMessages:     1,
			WaitTimeSeconds: 5,
		},
		{
			Name:            "will cap the wait time at the service maximum",
			Params:          receiveParams{maxMessages: 3, waitTime: time.Minute},
			MaxMessages:     3,
			WaitTimeSeconds: 20,
		},
		{
			Name:              "will set the visibility timeout if it is positive",
			Params:            receiveParams{maxMessages: 1, waitTime: 20 * time.Second, visibility: 30 * time.Second},
			MaxMessages:       1,
			WaitTimeSeconds:   20,
			VisibilityTimeout: 30,
		},
		{
			Name:            "will omit the visibility timeout if it is negative",
			Params:          receiveParams{maxMessages: 1, waitTime: 20 * time.Second, visibility: -time.Second},
			MaxMessages:     1,
			WaitTimeSeconds: 20,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Name, func(t *testing.T) {
			input := receiveInput(props, testCase.Params)

			require.Equal(t, props.URL, aws.ToString(input.QueueUrl))
			require.Equal(t, testCase.MaxMessages, input.MaxNumberOfMessages)
			require.Equal(t, testCase.WaitTimeSeconds, input.WaitTimeSeconds)
			require.Equal(t, testCase.VisibilityTimeout, input.VisibilityTimeout)
			require.Equal(t, []string{"All"}, input.MessageAttributeNames)
			require.Equal(t, []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll}, input.MessageSystemAttributeNames)
		})
	}
}
