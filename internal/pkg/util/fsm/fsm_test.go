package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/looplab/fsm"
	"github.com/stretchr/testify/assert"
)

func TestWrapEventSetsError(t *testing.T) {
	boom := errors.New("boom")
	m := fsm.NewFSM("a",
		fsm.Events{{Name: "go", Src: []string{"a"}, Dst: "b"}},
		fsm.Callbacks{"enter_b": WrapEvent(func(context.Context, *fsm.Event) error { return boom })},
	)

	assert.ErrorIs(t, m.Event(context.Background(), "go"), boom)
}

func TestIgnoreNoTransition(t *testing.T) {
	m := fsm.NewFSM("a",
		fsm.Events{{Name: "stay", Src: []string{"a"}, Dst: "a"}},
		fsm.Callbacks{},
	)

	assert.NoError(t, IgnoreNoTransition(m.Event(context.Background(), "stay")))
	assert.Error(t, IgnoreNoTransition(m.Event(context.Background(), "missing")))
	assert.NoError(t, IgnoreNoTransition(nil))
}
