package service

import (
	"context"
	"fmt"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core"
	"github.com/autopeer-io/chargepeer/internal/pkg/durable"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
	"github.com/autopeer-io/chargepeer/pkg/codec"
)

// DeviceState returns the control state of a device.
func (s *Service) DeviceState(ctx context.Context, deviceID string) (v1.DeviceState, error) {
	var st v1.DeviceState
	err := s.runtime.Invoke(ctx, durable.Request{
		Service: core.DeviceService,
		Handler: core.HandlerGetState,
		Key:     deviceID,
	}, &st)
	if err != nil {
		return v1.DeviceState{}, fmt.Errorf("failed to read state of %s: %w", deviceID, err)
	}
	return st, nil
}

// Registry returns the cancellation registry of a coordinator key.
func (s *Service) Registry(ctx context.Context, key string) ([]v1.DeviceItem, error) {
	items := []v1.DeviceItem{}
	err := s.runtime.Invoke(ctx, durable.Request{
		Service: core.CoordinatorService,
		Handler: core.HandlerRegistry,
		Key:     key,
	}, &items)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry %s: %w", key, err)
	}
	return items, nil
}

// Invocation reports the status of a durable invocation. The result is
// decoded for the command handlers only.
func (s *Service) Invocation(ctx context.Context, id string) (v1.InvocationStatus, error) {
	inv, err := s.runtime.Get(ctx, id)
	if err != nil {
		return v1.InvocationStatus{}, err
	}
	out := v1.InvocationStatus{
		ID:        inv.ID,
		Service:   inv.Service,
		Handler:   inv.Handler,
		Key:       inv.Key,
		Status:    string(inv.Status),
		Attempts:  inv.Attempts,
		Failure:   inv.Failure,
		CreatedAt: inv.CreatedAt,
		UpdatedAt: inv.UpdatedAt,
	}
	if inv.Status == durable.StatusCompleted && returnsHandleResult(inv) {
		var res v1.HandleResult
		if err := codec.Unmarshal(inv.Output, &res); err == nil {
			out.Result = &res
		}
	}
	return out, nil
}

func returnsHandleResult(inv *durable.Invocation) bool {
	switch inv.Service + "/" + inv.Handler {
	case core.CoordinatorService + "/" + core.HandlerHandle,
		core.DeviceService + "/" + core.HandlerIdle,
		core.DeviceService + "/" + core.HandlerImport,
		core.DeviceService + "/" + core.HandlerExport:
		return true
	}
	return false
}
