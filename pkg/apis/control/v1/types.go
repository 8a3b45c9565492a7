// Package v1 contains the wire types of the charge control API: commands and
// power events coming in, instructions going out to devices, device
// acknowledgments, and the results and state reported back.
package v1

import (
	"errors"
	"fmt"
	"time"
)

// ControlType is the kind of instruction a device is asked to carry out.
type ControlType string

const (
	ControlIdle   ControlType = "IDLE"
	ControlImport ControlType = "IMPORT"
	ControlExport ControlType = "EXPORT"
)

// ControlState is the control phase of a device.
type ControlState string

const (
	StateIdle           ControlState = "IDLE"
	StateAwaitingIdle   ControlState = "AWAITING_IDLE"
	StateImport         ControlState = "IMPORT"
	StateAwaitingImport ControlState = "AWAITING_IMPORT"
	StateExport         ControlState = "EXPORT"
)

// Awaiting reports whether the device is waiting for a field acknowledgment.
func (s ControlState) Awaiting() bool {
	return s == StateAwaitingIdle || s == StateAwaitingImport
}

var (
	// ErrInvalidPower is returned for a power value other than 0, 1 or -1.
	ErrInvalidPower = errors.New("power must be 0 (idle), 1 (import) or -1 (export)")

	// ErrInvalidCommand is returned by ControlCommand.Validate.
	ErrInvalidCommand = errors.New("invalid control command")
)

// ControlCommand asks a device to move to the state named by Type.
type ControlCommand struct {
	Type       ControlType `json:"type" cbor:"type"`
	DeviceID   string      `json:"deviceId" cbor:"deviceId"`
	DeviceType string      `json:"deviceType,omitempty" cbor:"deviceType,omitempty"`
	Timestamp  time.Time   `json:"timestamp" cbor:"timestamp"`
	StartTime  time.Time   `json:"startTime" cbor:"startTime"`
	// EndTime is required for IMPORT and optional for EXPORT.
	EndTime *time.Time `json:"endTime,omitempty" cbor:"endTime,omitempty"`
}

// Validate checks the fields the type requires.
func (c *ControlCommand) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("%w: deviceId is required", ErrInvalidCommand)
	}
	switch c.Type {
	case ControlIdle, ControlExport:
	case ControlImport:
		if c.EndTime == nil || c.EndTime.IsZero() {
			return fmt.Errorf("%w: endTime is required for IMPORT", ErrInvalidCommand)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, c.Type)
	}
	return nil
}

// TargetState is the state the device reaches once the command is acknowledged.
func (c *ControlCommand) TargetState() ControlState {
	switch c.Type {
	case ControlImport:
		return StateImport
	case ControlExport:
		return StateExport
	default:
		return StateIdle
	}
}

// PowerEvent is a scheduler decision for one device.
type PowerEvent struct {
	DeviceID   string    `json:"deviceId"`
	DeviceType string    `json:"deviceType,omitempty"`
	Power      int       `json:"power"` // 0 = IDLE, 1 = IMPORT, -1 = EXPORT
	Timestamp  time.Time `json:"timestamp"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// Command maps the power level to the equivalent control command.
func (e *PowerEvent) Command() (ControlCommand, error) {
	cmd := ControlCommand{
		DeviceID:   e.DeviceID,
		DeviceType: e.DeviceType,
		Timestamp:  e.Timestamp,
		StartTime:  e.Start,
	}
	switch e.Power {
	case 0:
		cmd.Type = ControlIdle
	case 1:
		cmd.Type = ControlImport
		end := e.End
		cmd.EndTime = &end
	case -1:
		cmd.Type = ControlExport
		if !e.End.IsZero() {
			end := e.End
			cmd.EndTime = &end
		}
	default:
		return ControlCommand{}, fmt.Errorf("%w: got %d", ErrInvalidPower, e.Power)
	}
	return cmd, nil
}

// ValidationKind is the acknowledgment a device reports.
type ValidationKind string

const (
	StartChargeOK ValidationKind = "CLOUD_DEVICE_SUCCESSFUL_START_CHARGE"
	StopChargeOK  ValidationKind = "CLOUD_DEVICE_SUCCESSFUL_STOP_CHARGE"
	ControlFailed ValidationKind = "CLOUD_DEVICE_FAILED_TO_CONTROL"
)

// ConfirmationFor returns the acknowledgment that confirms a move to target.
func ConfirmationFor(target ControlState) ValidationKind {
	if target == StateImport {
		return StartChargeOK
	}
	return StopChargeOK
}

// ValidationEvent is a device's acknowledgment of its last instruction.
type ValidationEvent struct {
	DeviceID   string         `json:"deviceId" cbor:"deviceId"`
	DeviceType string         `json:"deviceType,omitempty" cbor:"deviceType,omitempty"`
	Kind       ValidationKind `json:"kind" cbor:"kind"`
	Timestamp  time.Time      `json:"timestamp" cbor:"timestamp"`
}

// Instruction is what is published to a device.
type Instruction struct {
	DeviceID   string      `json:"deviceId"`
	DeviceType string      `json:"deviceType,omitempty"`
	Type       ControlType `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
	StartTime  time.Time   `json:"startTime"`
	EndTime    *time.Time  `json:"endTime,omitempty"`
}

// NewInstruction derives the field instruction for cmd.
func NewInstruction(cmd *ControlCommand) Instruction {
	return Instruction{
		DeviceID:   cmd.DeviceID,
		DeviceType: cmd.DeviceType,
		Type:       cmd.Type,
		Timestamp:  cmd.Timestamp,
		StartTime:  cmd.StartTime,
		EndTime:    cmd.EndTime,
	}
}

// OnlineStatus is the retained presence message of a field device.
type OnlineStatus struct {
	DeviceID  string     `json:"deviceId"`
	Online    bool       `json:"online"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Outcome summarizes how a command was handled.
type Outcome string

const (
	// OutcomeAccepted is replied as soon as the device was instructed.
	OutcomeAccepted Outcome = "ACCEPTED"
	// OutcomeAlreadyInState means the device already was in the target state.
	OutcomeAlreadyInState Outcome = "ALREADY_IN_STATE"
	// OutcomeCompleted means the device confirmed the transition.
	OutcomeCompleted Outcome = "COMPLETED"
	// OutcomeCancelled means the command was cancelled by a newer one.
	OutcomeCancelled Outcome = "CANCELLED"
	// OutcomeSuperseded means the coordinator cancelled a running command and
	// dispatched this one in its place.
	OutcomeSuperseded Outcome = "SUPERSEDED"
	OutcomeNotImplemented Outcome = "NOT_IMPLEMENTED"
)

// HandleResult is the result of handling a command.
type HandleResult struct {
	Outcome Outcome `json:"outcome" cbor:"outcome"`
	// CancellationToken cancels the command while it is in flight.
	CancellationToken string `json:"cancellationToken,omitempty" cbor:"cancellationToken,omitempty"`
}

// ResolveResult reports whether a token was resolved by the request.
type ResolveResult struct {
	Resolved bool `json:"resolved" cbor:"resolved"`
}

// DeviceState is the queryable state of a device.
type DeviceState struct {
	DeviceID       string          `json:"deviceId" cbor:"deviceId"`
	ControlState   ControlState    `json:"controlState" cbor:"controlState"`
	CurrentCommand *ControlCommand `json:"currentCommand,omitempty" cbor:"currentCommand,omitempty"`
	// OutstandingToken is the validation token if set, else the cancellation token.
	OutstandingToken string `json:"outstandingToken,omitempty" cbor:"outstandingToken,omitempty"`
}

// DeviceItem is one entry of a coordinator's cancellation registry.
type DeviceItem struct {
	DeviceID          string    `json:"deviceId" cbor:"deviceId"`
	CancellationToken string    `json:"cancellationToken,omitempty" cbor:"cancellationToken,omitempty"`
	LastUpdated       time.Time `json:"lastUpdated" cbor:"lastUpdated"`
}

// TrackRequest tells a coordinator about a freshly minted cancellation token.
type TrackRequest struct {
	DeviceID          string `json:"deviceId" cbor:"deviceId"`
	CancellationToken string `json:"cancellationToken" cbor:"cancellationToken"`
}

// CancelRequest asks a coordinator to cancel a device's in-flight command.
type CancelRequest struct {
	DeviceID string `json:"deviceId" cbor:"deviceId"`
}

// SubmitResponse is returned when a command is accepted for processing.
type SubmitResponse struct {
	InvocationID string `json:"invocationId"`
}

// ResolveRequest carries the value used to resolve a token by id.
type ResolveRequest struct {
	Event  *ValidationEvent `json:"event,omitempty"`
	Reject string           `json:"reject,omitempty"`
}

// InvocationStatus describes a durable invocation.
type InvocationStatus struct {
	ID        string        `json:"id"`
	Service   string        `json:"service"`
	Handler   string        `json:"handler"`
	Key       string        `json:"key"`
	Status    string        `json:"status"`
	Attempts  int           `json:"attempts"`
	Failure   string        `json:"failure,omitempty"`
	Result    *HandleResult `json:"result,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// ErrorResponse is the body of every non-2xx HTTP response.
type ErrorResponse struct {
	Error string `json:"error"`
}
