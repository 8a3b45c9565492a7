// Package statemachine implements the durable per-device control state
// machine. Each device is a key of the device-state-machine service; its
// exclusive handlers drive the device between IDLE and IMPORT, one command
// at a time, waiting on field acknowledgments and end-time timers that
// survive restarts.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core"
	"github.com/autopeer-io/chargepeer/internal/pkg/durable"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
)

// StateDevice is the state field holding the Device record.
const StateDevice = "device"

var (
	// ErrValidationFailed is returned when a device reports an acknowledgment
	// other than the one confirming the requested transition.
	ErrValidationFailed = errors.New("device validation failed")

	// ErrIllegalTransition is returned when a command would move a device
	// along a transition the control table does not allow.
	ErrIllegalTransition = errors.New("illegal control transition")
)

// Device is the persisted control record of one device.
type Device struct {
	ControlState      v1.ControlState    `cbor:"controlState"`
	CurrentCommand    *v1.ControlCommand `cbor:"currentCommand,omitempty"`
	ValidationToken   string             `cbor:"validationToken,omitempty"`
	CancellationToken string             `cbor:"cancellationToken,omitempty"`
	UpdatedAt         time.Time          `cbor:"updatedAt"`
}

// StateMachine serves the device-state-machine durable service.
type StateMachine struct {
	publisher core.Publisher
	// coordinatorKey is nil when minted tokens are not tracked.
	coordinatorKey core.KeyFunc
}

// Option configures a StateMachine.
type Option func(*StateMachine)

// WithTracking reports every minted cancellation token to the coordinator
// that polices the device, addressed by key.
func WithTracking(key core.KeyFunc) Option {
	return func(m *StateMachine) {
		m.coordinatorKey = key
	}
}

// New creates the state machine. Instructions are sent to the field through publisher.
func New(publisher core.Publisher, opts ...Option) *StateMachine {
	m := &StateMachine{publisher: publisher}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Service describes the handlers to register on the durable host.
func (m *StateMachine) Service() durable.Service {
	return durable.Service{
		Name: core.DeviceService,
		Handlers: map[string]durable.Handler{
			core.HandlerIdle:     durable.Handle(durable.Exclusive, m.Idle),
			core.HandlerImport:   durable.Handle(durable.Exclusive, m.Import),
			core.HandlerExport:   durable.Handle(durable.Exclusive, m.Export),
			core.HandlerValidate: durable.Handle(durable.Shared, m.Validate),
			core.HandlerCancel:   durable.Handle(durable.Shared, m.Cancel),
			core.HandlerGetState: durable.Handle(durable.Shared, m.GetState),
		},
	}
}

// Idle stops the device.
func (m *StateMachine) Idle(ctx *durable.Context, cmd v1.ControlCommand) (v1.HandleResult, error) {
	if err := checkCommand(ctx, &cmd, v1.ControlIdle); err != nil {
		return v1.HandleResult{}, err
	}
	return m.handle(ctx, cmd)
}

// Import starts charging and schedules the return to idle at the command's end time.
func (m *StateMachine) Import(ctx *durable.Context, cmd v1.ControlCommand) (v1.HandleResult, error) {
	if err := checkCommand(ctx, &cmd, v1.ControlImport); err != nil {
		return v1.HandleResult{}, err
	}
	return m.handle(ctx, cmd)
}

// Export records the command and does nothing else.
func (m *StateMachine) Export(ctx *durable.Context, cmd v1.ControlCommand) (v1.HandleResult, error) {
	if err := checkCommand(ctx, &cmd, v1.ControlExport); err != nil {
		return v1.HandleResult{}, err
	}
	dev, err := load(ctx)
	if err != nil {
		return v1.HandleResult{}, err
	}
	dev.CurrentCommand = &cmd
	if err := save(ctx, dev); err != nil {
		return v1.HandleResult{}, err
	}
	ctx.Log().Info("Export not implemented, command recorded only")
	return v1.HandleResult{Outcome: v1.OutcomeNotImplemented}, nil
}

func (m *StateMachine) handle(ctx *durable.Context, cmd v1.ControlCommand) (v1.HandleResult, error) {
	dev, err := load(ctx)
	if err != nil {
		return v1.HandleResult{}, err
	}
	previous := dev.ControlState
	target := cmd.TargetState()

	// 1. Remember the command, even when it turns out to be a duplicate.
	dev.CurrentCommand = &cmd
	if err := save(ctx, dev); err != nil {
		return v1.HandleResult{}, err
	}

	// 2. Already there. An importing device still stops at the new end time.
	if previous == target {
		ctx.Log().Info("Device already in target state", "state", target)
		if target == v1.StateImport {
			return m.holdImport(ctx, dev, &cmd, true)
		}
		return v1.HandleResult{Outcome: v1.OutcomeAlreadyInState}, nil
	}

	// 3. Instruct the device.
	err = durable.RunVoid(ctx, "publish", func(c context.Context) error {
		return m.publisher.Publish(c, v1.NewInstruction(&cmd))
	})
	if err != nil {
		return v1.HandleResult{}, err
	}

	// 4. Wait for its acknowledgment.
	transitions := NewTransitions(previous)
	state, err := transitions.Fire(ctx, requestEvent(target), !ctx.Replaying())
	if err != nil {
		return v1.HandleResult{}, durable.Terminal(err)
	}
	dev.ControlState = state

	// 5. Mint the tokens. An acknowledgment that arrives before they are
	// recorded finds no validation token and is dropped.
	validation, err := ctx.Awakeable()
	if err != nil {
		return v1.HandleResult{}, err
	}
	cancellation, err := ctx.Awakeable()
	if err != nil {
		return v1.HandleResult{}, err
	}
	dev.ValidationToken = validation.ID()
	dev.CancellationToken = cancellation.ID()
	if err := save(ctx, dev); err != nil {
		return v1.HandleResult{}, err
	}
	if err := ctx.Reply(v1.HandleResult{Outcome: v1.OutcomeAccepted, CancellationToken: cancellation.ID()}); err != nil {
		return v1.HandleResult{}, err
	}
	if err := m.track(ctx, cmd.DeviceID, cancellation.ID()); err != nil {
		return v1.HandleResult{}, err
	}

	// 6. Whichever comes first.
	winner, err := ctx.Select(validation, cancellation)
	if err != nil {
		return v1.HandleResult{}, err
	}
	if winner == 1 {
		ctx.Log().Info("Command cancelled before validation", "target", target, "revertTo", previous)
		dev.ControlState = previous
		dev.ValidationToken = ""
		dev.CancellationToken = ""
		if err := save(ctx, dev); err != nil {
			return v1.HandleResult{}, err
		}
		return v1.HandleResult{Outcome: v1.OutcomeCancelled}, nil
	}

	// 7. Validated.
	var event v1.ValidationEvent
	if err := ctx.Await(validation, &event); err != nil {
		var rejected *durable.InvocationError
		if !errors.As(err, &rejected) {
			return v1.HandleResult{}, err
		}
		event.Kind = v1.ControlFailed
	}
	dev.ValidationToken = ""
	if want := v1.ConfirmationFor(target); event.Kind != want {
		if err := save(ctx, dev); err != nil {
			return v1.HandleResult{}, err
		}
		return v1.HandleResult{}, durable.Terminal(fmt.Errorf("%w: expected %s, got %s", ErrValidationFailed, want, event.Kind))
	}

	state, err = transitions.Fire(ctx, confirmEvent(target), !ctx.Replaying())
	if err != nil {
		return v1.HandleResult{}, durable.Terminal(err)
	}
	dev.ControlState = state
	ctx.Log().Info("Device confirmed transition", "state", state)

	if target != v1.StateImport {
		dev.CancellationToken = ""
		if err := save(ctx, dev); err != nil {
			return v1.HandleResult{}, err
		}
		return v1.HandleResult{Outcome: v1.OutcomeCompleted}, nil
	}
	return m.holdImport(ctx, dev, &cmd, false)
}

// holdImport keeps the device importing until the command's end time, then
// sends it back to idle. A rearm of a device that was already importing
// replies AlreadyInState with the hold's cancellation token.
func (m *StateMachine) holdImport(ctx *durable.Context, dev *Device, cmd *v1.ControlCommand, rearm bool) (v1.HandleResult, error) {
	now, err := ctx.Now()
	if err != nil {
		return v1.HandleResult{}, err
	}
	delay := ImportDelay(now, *cmd.EndTime)

	cancellation, err := ctx.Awakeable()
	if err != nil {
		return v1.HandleResult{}, err
	}
	dev.CancellationToken = cancellation.ID()
	if err := save(ctx, dev); err != nil {
		return v1.HandleResult{}, err
	}
	if rearm {
		if err := ctx.Reply(v1.HandleResult{Outcome: v1.OutcomeAlreadyInState, CancellationToken: cancellation.ID()}); err != nil {
			return v1.HandleResult{}, err
		}
	}
	if err := m.track(ctx, cmd.DeviceID, cancellation.ID()); err != nil {
		return v1.HandleResult{}, err
	}

	ctx.Log().Info("Importing until end time", "endTime", cmd.EndTime, "delay", delay)
	timer, err := ctx.After(delay)
	if err != nil {
		return v1.HandleResult{}, err
	}
	winner, err := ctx.Select(timer, cancellation)
	if err != nil {
		return v1.HandleResult{}, err
	}

	dev.CancellationToken = ""
	if err := save(ctx, dev); err != nil {
		return v1.HandleResult{}, err
	}
	if winner == 1 {
		if err := ctx.StopTimer(timer); err != nil {
			return v1.HandleResult{}, err
		}
		ctx.Log().Info("Import cancelled before end time")
		return v1.HandleResult{Outcome: v1.OutcomeCancelled}, nil
	}

	at, err := ctx.Now()
	if err != nil {
		return v1.HandleResult{}, err
	}
	idle := v1.ControlCommand{
		Type:       v1.ControlIdle,
		DeviceID:   cmd.DeviceID,
		DeviceType: cmd.DeviceType,
		Timestamp:  at,
		StartTime:  at,
	}
	if err := ctx.Send(core.DeviceService, cmd.DeviceID, core.HandlerIdle, idle); err != nil {
		return v1.HandleResult{}, err
	}
	return v1.HandleResult{Outcome: v1.OutcomeCompleted}, nil
}

// Validate resolves the device's outstanding validation token with event.
// The event is not matched against the token's command: whatever command is
// currently awaited receives it.
func (m *StateMachine) Validate(ctx *durable.Context, event v1.ValidationEvent) (v1.ResolveResult, error) {
	dev, err := load(ctx)
	if err != nil {
		return v1.ResolveResult{}, err
	}
	if dev.ValidationToken == "" {
		ctx.Log().Info("No validation outstanding, event dropped", "kind", event.Kind)
		return v1.ResolveResult{}, nil
	}
	resolved, err := ctx.ResolveAwakeable(dev.ValidationToken, event)
	if err != nil {
		return v1.ResolveResult{}, err
	}
	return v1.ResolveResult{Resolved: resolved}, nil
}

// Cancel resolves the device's outstanding cancellation token.
func (m *StateMachine) Cancel(ctx *durable.Context, _ struct{}) (v1.ResolveResult, error) {
	dev, err := load(ctx)
	if err != nil {
		return v1.ResolveResult{}, err
	}
	if dev.CancellationToken == "" {
		return v1.ResolveResult{}, nil
	}
	resolved, err := ctx.ResolveAwakeable(dev.CancellationToken, true)
	if err != nil {
		return v1.ResolveResult{}, err
	}
	return v1.ResolveResult{Resolved: resolved}, nil
}

// GetState reports the device's control state. A device never commanded is IDLE.
func (m *StateMachine) GetState(ctx *durable.Context, _ struct{}) (v1.DeviceState, error) {
	dev, err := load(ctx)
	if err != nil {
		return v1.DeviceState{}, err
	}
	out := v1.DeviceState{
		DeviceID:         ctx.Key(),
		ControlState:     dev.ControlState,
		CurrentCommand:   dev.CurrentCommand,
		OutstandingToken: dev.ValidationToken,
	}
	if out.OutstandingToken == "" {
		out.OutstandingToken = dev.CancellationToken
	}
	return out, nil
}

func (m *StateMachine) track(ctx *durable.Context, deviceID, token string) error {
	if m.coordinatorKey == nil {
		return nil
	}
	return ctx.Send(core.CoordinatorService, m.coordinatorKey(deviceID), core.HandlerTrack, v1.TrackRequest{
		DeviceID:          deviceID,
		CancellationToken: token,
	})
}

// ImportDelay is the time left until end, floored to whole seconds and never negative.
func ImportDelay(now, end time.Time) time.Duration {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return d.Truncate(time.Second)
}

func checkCommand(ctx *durable.Context, cmd *v1.ControlCommand, want v1.ControlType) error {
	if cmd.DeviceID == "" {
		cmd.DeviceID = ctx.Key()
	}
	if cmd.Type == "" {
		cmd.Type = want
	}
	if cmd.DeviceID != ctx.Key() {
		return durable.Terminalf("%w: command for %s sent to %s", v1.ErrInvalidCommand, cmd.DeviceID, ctx.Key())
	}
	if cmd.Type != want {
		return durable.Terminalf("%w: %s command sent to the %s handler", v1.ErrInvalidCommand, cmd.Type, want)
	}
	if err := cmd.Validate(); err != nil {
		return durable.Terminal(err)
	}
	return nil
}

func load(ctx *durable.Context) (*Device, error) {
	dev := &Device{}
	found, err := ctx.Get(StateDevice, dev)
	if err != nil {
		return nil, err
	}
	if !found || dev.ControlState == "" {
		dev.ControlState = v1.StateIdle
	}
	return dev, nil
}

func save(ctx *durable.Context, dev *Device) error {
	now, err := ctx.Now()
	if err != nil {
		return err
	}
	dev.UpdatedAt = now
	return ctx.Set(StateDevice, dev)
}
