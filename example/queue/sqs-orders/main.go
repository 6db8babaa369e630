// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"context"

	"github.com/z5labs/sqslistener/example/queue/sqs-orders/app"
	"github.com/z5labs/sqslistener/queue"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env file is fine, the environment may already be set.
	_ = godotenv.Load()

	queue.Run(context.Background(), app.Build(app.ConfigFromEnv()))
}
