package mqtt

import (
	"context"
	"errors"
)

// ErrNotStarted is returned by operations called before Start.
var ErrNotStarted = errors.New("mqtt client not started")

// MessageHandler processes one received message. Handlers run on their own
// goroutine and may block.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Connection controls the broker session.
type Connection interface {
	// Start launches the connection manager and returns without waiting
	// for the broker. The session lives until ctx is cancelled.
	Start(ctx context.Context) error

	// AwaitConnection blocks until the first connection is up.
	AwaitConnection(ctx context.Context) error

	IsConnected() bool

	Disconnect(ctx context.Context)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error
}

// Subscriber registers handlers by topic filter. Registered filters are
// subscribed again after every reconnect.
type Subscriber interface {
	Subscribe(ctx context.Context, filter string, qos int, handler MessageHandler) error
	Unsubscribe(ctx context.Context, filter string) error
}

// Client is the MQTT client used by the controller and the field agent.
type Client interface {
	Connection
	Publisher
	Subscriber
}
