package durable

import (
	"context"
)

// Store persists invocations, their journals, keyed state, promises and
// timers. Implementations must be safe for concurrent use.
type Store interface {
	// CreateInvocation stores inv together with its result promise. When an
	// invocation with the same ID, or the same non-empty idempotency key,
	// already exists it is returned instead and created is false.
	CreateInvocation(ctx context.Context, inv *Invocation) (stored *Invocation, created bool, err error)
	GetInvocation(ctx context.Context, id string) (*Invocation, error)
	UpdateInvocation(ctx context.Context, inv *Invocation) error
	// ListInvocations returns matching invocations in creation order.
	ListInvocations(ctx context.Context, opts ListOptions) ([]*Invocation, error)
	// DeleteInvocation removes the invocation, its journal and its result promise.
	DeleteInvocation(ctx context.Context, id string) error

	Journal(ctx context.Context, invocationID string) ([]Entry, error)
	// AppendEntry appends e at e.Index and applies m, if any, in the same
	// transaction. Appending at an index other than the journal length fails.
	AppendEntry(ctx context.Context, invocationID string, e Entry, m *Mutation) error

	GetState(ctx context.Context, service, key, name string) ([]byte, bool, error)

	// CreatePromise registers an uncompleted promise. Creating an existing
	// promise is a no-op.
	CreatePromise(ctx context.Context, id string) error
	// CompletePromise completes the promise and assigns it the next
	// completion sequence number. It reports false when the promise was
	// already completed.
	CompletePromise(ctx context.Context, id string, value []byte, failure string) (bool, error)
	GetPromise(ctx context.Context, id string) (*Promise, error)

	PutTimer(ctx context.Context, t Timer) error
	DeleteTimer(ctx context.Context, promiseID string) error
	ListTimers(ctx context.Context) ([]Timer, error)

	Close() error
}
