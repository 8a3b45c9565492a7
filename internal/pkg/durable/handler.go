package durable

import (
	"fmt"

	"github.com/autopeer-io/chargepeer/pkg/codec"
)

// HandlerKind controls how invocations of a handler are scheduled for a key.
type HandlerKind int

const (
	// Exclusive handlers of one key run one at a time, in arrival order, and
	// may write state.
	Exclusive HandlerKind = iota
	// Shared handlers run concurrently with everything else and may only
	// read state.
	Shared
)

func (k HandlerKind) String() string {
	if k == Shared {
		return "shared"
	}
	return "exclusive"
}

// HandlerFunc processes one invocation. Input and output are codec encoded.
type HandlerFunc func(ctx *Context, input []byte) ([]byte, error)

type Handler struct {
	Kind HandlerKind
	Fn   HandlerFunc
}

// Service is a named set of handlers addressed by (service, key, handler).
type Service struct {
	Name     string
	Handlers map[string]Handler
}

// Handle adapts a typed function into a Handler, decoding the input and
// encoding the output with the codec.
func Handle[I, O any](kind HandlerKind, fn func(ctx *Context, in I) (O, error)) Handler {
	return Handler{
		Kind: kind,
		Fn: func(ctx *Context, raw []byte) ([]byte, error) {
			var in I
			if len(raw) > 0 {
				if err := codec.Unmarshal(raw, &in); err != nil {
					return nil, Terminalf("decode %T input: %w", in, err)
				}
			}
			out, err := fn(ctx, in)
			if err != nil {
				return nil, err
			}
			encoded, err := codec.Marshal(out)
			if err != nil {
				return nil, Terminal(fmt.Errorf("encode %T output: %w", out, err))
			}
			return encoded, nil
		},
	}
}
