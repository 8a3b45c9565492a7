package service

import (
	"context"
	"fmt"
	"time"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core"
	"github.com/autopeer-io/chargepeer/internal/pkg/durable"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
	"github.com/autopeer-io/chargepeer/pkg/log"
)

// SubmitCommand hands cmd to the device's coordinator and returns the
// invocation id. Submitting again with the same idempotency key returns the
// first invocation.
func (s *Service) SubmitCommand(ctx context.Context, cmd v1.ControlCommand, idempotencyKey string) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	id, err := s.runtime.Submit(ctx, durable.Request{
		Service:        core.CoordinatorService,
		Handler:        core.HandlerHandle,
		Key:            s.coordinatorKey(cmd.DeviceID),
		Input:          cmd,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit %s command for %s: %w", cmd.Type, cmd.DeviceID, err)
	}
	log.FromContext(ctx).Info("Command accepted", "device", cmd.DeviceID, "type", cmd.Type, "invocation", id)
	return id, nil
}

// SubmitPowerEvent maps a scheduler power event to its command and submits it.
func (s *Service) SubmitPowerEvent(ctx context.Context, event v1.PowerEvent, idempotencyKey string) (string, error) {
	cmd, err := event.Command()
	if err != nil {
		return "", err
	}
	return s.SubmitCommand(ctx, cmd, idempotencyKey)
}

// EventKey is the idempotency key of an event redelivered by a broker: the
// device and the event time. Events without a timestamp are not deduplicated.
func EventKey(deviceID string, ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return deviceID + "@" + ts.UTC().Format(time.RFC3339Nano)
}

// Cancel cancels the device's in-flight command through its coordinator.
func (s *Service) Cancel(ctx context.Context, deviceID string) (v1.ResolveResult, error) {
	var res v1.ResolveResult
	err := s.runtime.Invoke(ctx, durable.Request{
		Service: core.CoordinatorService,
		Handler: core.HandlerCancel,
		Key:     s.coordinatorKey(deviceID),
		Input:   v1.CancelRequest{DeviceID: deviceID},
	}, &res)
	if err != nil {
		return v1.ResolveResult{}, fmt.Errorf("failed to cancel %s: %w", deviceID, err)
	}
	return res, nil
}

// Validate relays a device acknowledgment.
func (s *Service) Validate(ctx context.Context, deviceID string, event v1.ValidationEvent) (v1.ResolveResult, error) {
	return s.relay.Validate(ctx, deviceID, event)
}

// ResolveToken resolves an awakeable by its token id.
func (s *Service) ResolveToken(ctx context.Context, token string, req v1.ResolveRequest) (v1.ResolveResult, error) {
	return s.relay.ResolveToken(ctx, token, req)
}
