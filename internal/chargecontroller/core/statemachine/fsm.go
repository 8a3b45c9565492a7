package statemachine

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/chargepeer/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/chargepeer/internal/pkg/util/fsm"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
)

const (
	// EventRequestImport is fired once an import instruction was published.
	EventRequestImport = "request_import"
	// EventRequestIdle is fired once an idle instruction was published.
	EventRequestIdle = "request_idle"
	// EventRequestExport is declared for completeness; export is not implemented.
	EventRequestExport = "request_export"
	// EventImportConfirmed is fired when the device acknowledged charging.
	EventImportConfirmed = "import_confirmed"
	// EventIdleConfirmed is fired when the device acknowledged it stopped.
	EventIdleConfirmed = "idle_confirmed"
)

var (
	idle           = string(v1.StateIdle)
	awaitingIdle   = string(v1.StateAwaitingIdle)
	imp            = string(v1.StateImport)
	awaitingImport = string(v1.StateAwaitingImport)
	export         = string(v1.StateExport)
)

// Transitions is the table of legal control-state changes of a device.
type Transitions struct {
	*fsm.FSM

	// record is false while an attempt replays steps that already happened.
	record bool
}

// NewTransitions returns the machine positioned at current. The zero state
// is treated as IDLE.
func NewTransitions(current v1.ControlState) *Transitions {
	if current == "" {
		current = v1.StateIdle
	}
	t := &Transitions{}

	events := fsm.Events{
		{Name: EventRequestImport, Src: []string{idle, awaitingIdle, awaitingImport, export}, Dst: awaitingImport},
		{Name: EventRequestIdle, Src: []string{imp, awaitingImport, awaitingIdle, export}, Dst: awaitingIdle},
		{Name: EventRequestExport, Src: []string{idle, imp, awaitingIdle, awaitingImport}, Dst: export},
		{Name: EventImportConfirmed, Src: []string{awaitingImport}, Dst: imp},
		{Name: EventIdleConfirmed, Src: []string{awaitingIdle}, Dst: idle},
	}

	callbacks := fsm.Callbacks{
		"enter_state": fsmutil.WrapEvent(t.ActionRecordTransition),
	}

	t.FSM = fsm.NewFSM(string(current), events, callbacks)
	return t
}

// Fire applies event and returns the resulting state. Re-requesting the
// state the device is already in is accepted as a no-op.
func (t *Transitions) Fire(ctx context.Context, event string, record bool) (v1.ControlState, error) {
	t.record = record
	if err := fsmutil.IgnoreNoTransition(t.Event(ctx, event)); err != nil {
		return v1.ControlState(t.Current()), fmt.Errorf("%w: %s from %s: %v", ErrIllegalTransition, event, t.Current(), err)
	}
	return v1.ControlState(t.Current()), nil
}

// ActionRecordTransition counts every state change.
func (t *Transitions) ActionRecordTransition(_ context.Context, e *fsm.Event) error {
	if t.record {
		metrics.ControlTransitions.WithLabelValues(e.Src, e.Dst).Inc()
	}
	return nil
}

func requestEvent(target v1.ControlState) string {
	if target == v1.StateImport {
		return EventRequestImport
	}
	return EventRequestIdle
}

func confirmEvent(target v1.ControlState) string {
	if target == v1.StateImport {
		return EventImportConfirmed
	}
	return EventIdleConfirmed
}
