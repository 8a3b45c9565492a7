// Package relay delivers device acknowledgments to the state machine that
// awaits them.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core"
	"github.com/autopeer-io/chargepeer/internal/pkg/durable"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
	"github.com/autopeer-io/chargepeer/pkg/log"
)

var (
	// ErrDeviceMismatch is returned when an event names another device than
	// the one it was routed to.
	ErrDeviceMismatch = errors.New("event is addressed to another device")

	// ErrEmptyResolution is returned when a token resolution carries neither
	// an event nor a rejection.
	ErrEmptyResolution = errors.New("resolution needs an event or a rejection")

	// ErrMissingKind is returned for an acknowledgment without a validation kind.
	ErrMissingKind = errors.New("validation event has no kind")
)

// Relay routes acknowledgments by device id or by token id.
type Relay struct {
	runtime core.Runtime
}

// New creates a relay dispatching on runtime.
func New(runtime core.Runtime) *Relay {
	return &Relay{runtime: runtime}
}

// Validate hands event to the validate handler of deviceID.
func (r *Relay) Validate(ctx context.Context, deviceID string, event v1.ValidationEvent) (v1.ResolveResult, error) {
	if event.DeviceID == "" {
		event.DeviceID = deviceID
	}
	if event.DeviceID != deviceID {
		return v1.ResolveResult{}, fmt.Errorf("%w: %s routed to %s", ErrDeviceMismatch, event.DeviceID, deviceID)
	}
	if event.Kind == "" {
		return v1.ResolveResult{}, ErrMissingKind
	}

	var res v1.ResolveResult
	err := r.runtime.Invoke(ctx, durable.Request{
		Service: core.DeviceService,
		Handler: core.HandlerValidate,
		Key:     deviceID,
		Input:   event,
	}, &res)
	if err != nil {
		return v1.ResolveResult{}, fmt.Errorf("validate %s: %w", deviceID, err)
	}
	log.FromContext(ctx).Debug("Relayed validation", "device", deviceID, "kind", event.Kind, "resolved", res.Resolved)
	return res, nil
}

// ResolveToken completes the awakeable token directly, with the event or
// with the rejection carried by req.
func (r *Relay) ResolveToken(ctx context.Context, token string, req v1.ResolveRequest) (v1.ResolveResult, error) {
	var (
		resolved bool
		err      error
	)
	switch {
	case req.Reject != "":
		resolved, err = r.runtime.Reject(ctx, token, req.Reject)
	case req.Event != nil:
		resolved, err = r.runtime.Resolve(ctx, token, *req.Event)
	default:
		return v1.ResolveResult{}, ErrEmptyResolution
	}
	if err != nil {
		return v1.ResolveResult{}, fmt.Errorf("resolve %s: %w", token, err)
	}
	return v1.ResolveResult{Resolved: resolved}, nil
}
