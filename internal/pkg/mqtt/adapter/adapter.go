// Package adapter turns typed message handlers into raw payload handlers.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
)

// HandlerFunc processes one raw message payload.
type HandlerFunc func(ctx context.Context, topic string, payload []byte) error

// TypedHandlerFunc processes one decoded message.
type TypedHandlerFunc[T any] func(ctx context.Context, topic string, msg *T) error

// JSONHandler decodes the payload as JSON before calling handler.
func JSONHandler[T any](handler TypedHandlerFunc[T]) HandlerFunc {
	return func(ctx context.Context, topic string, payload []byte) error {
		msg := new(T)
		if err := json.Unmarshal(payload, msg); err != nil {
			return fmt.Errorf("json unmarshal failed: %w", err)
		}
		return handler(ctx, topic, msg)
	}
}
