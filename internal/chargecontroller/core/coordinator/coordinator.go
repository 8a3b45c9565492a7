// Package coordinator implements the cancellation coordinator. It keeps a
// registry of the cancellation tokens of in-flight device commands so that
// a newer command for a device can cancel the running one before it is
// dispatched.
package coordinator

import (
	"slices"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core"
	"github.com/autopeer-io/chargepeer/internal/pkg/durable"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
)

// StateDevices is the state field holding the registry.
const StateDevices = "devices"

// Coordinator serves the parent-device durable service.
type Coordinator struct{}

// New creates a coordinator.
func New() *Coordinator {
	return &Coordinator{}
}

// Service describes the handlers to register on the durable host.
func (c *Coordinator) Service() durable.Service {
	return durable.Service{
		Name: core.CoordinatorService,
		Handlers: map[string]durable.Handler{
			core.HandlerHandle:   durable.Handle(durable.Exclusive, c.Handle),
			core.HandlerTrack:    durable.Handle(durable.Exclusive, c.Track),
			core.HandlerCancel:   durable.Handle(durable.Exclusive, c.Cancel),
			core.HandlerRegistry: durable.Handle(durable.Shared, c.Registry),
		},
	}
}

// Handle dispatches cmd to its device. When the device has a command in
// flight, that command is cancelled and cmd is sent without waiting for it.
// Otherwise cmd is called and its cancellation token recorded.
func (c *Coordinator) Handle(ctx *durable.Context, cmd v1.ControlCommand) (v1.HandleResult, error) {
	if err := cmd.Validate(); err != nil {
		return v1.HandleResult{}, durable.Terminal(err)
	}
	items, err := load(ctx)
	if err != nil {
		return v1.HandleResult{}, err
	}
	handler := core.HandlerFor(cmd.Type)

	if i := indexOf(items, cmd.DeviceID); i >= 0 && items[i].CancellationToken != "" {
		resolved, err := ctx.ResolveAwakeable(items[i].CancellationToken, true)
		if err != nil {
			return v1.HandleResult{}, err
		}
		if err := ctx.Set(StateDevices, slices.Delete(items, i, i+1)); err != nil {
			return v1.HandleResult{}, err
		}
		if err := ctx.Send(core.DeviceService, cmd.DeviceID, handler, cmd); err != nil {
			return v1.HandleResult{}, err
		}
		ctx.Log().Info("Superseded in-flight command", "device", cmd.DeviceID, "type", cmd.Type, "cancelled", resolved)
		return v1.HandleResult{Outcome: v1.OutcomeSuperseded}, nil
	}

	f, err := ctx.Call(core.DeviceService, cmd.DeviceID, handler, cmd)
	if err != nil {
		return v1.HandleResult{}, err
	}
	var res v1.HandleResult
	if err := ctx.Await(f, &res); err != nil {
		return v1.HandleResult{}, err
	}
	if err := record(ctx, cmd.DeviceID, res.CancellationToken); err != nil {
		return v1.HandleResult{}, err
	}
	return res, nil
}

// Track records a cancellation token minted by a device outside of Handle.
func (c *Coordinator) Track(ctx *durable.Context, req v1.TrackRequest) (struct{}, error) {
	if req.DeviceID == "" || req.CancellationToken == "" {
		return struct{}{}, durable.Terminalf("track needs a device and a token")
	}
	return struct{}{}, record(ctx, req.DeviceID, req.CancellationToken)
}

// Cancel cancels the device's in-flight command, if the registry knows one.
func (c *Coordinator) Cancel(ctx *durable.Context, req v1.CancelRequest) (v1.ResolveResult, error) {
	items, err := load(ctx)
	if err != nil {
		return v1.ResolveResult{}, err
	}
	i := indexOf(items, req.DeviceID)
	if i < 0 || items[i].CancellationToken == "" {
		return v1.ResolveResult{}, nil
	}
	resolved, err := ctx.ResolveAwakeable(items[i].CancellationToken, true)
	if err != nil {
		return v1.ResolveResult{}, err
	}
	if err := ctx.Set(StateDevices, slices.Delete(items, i, i+1)); err != nil {
		return v1.ResolveResult{}, err
	}
	ctx.Log().Info("Cancelled in-flight command", "device", req.DeviceID, "resolved", resolved)
	return v1.ResolveResult{Resolved: resolved}, nil
}

// Registry lists the registry entries of the key.
func (c *Coordinator) Registry(ctx *durable.Context, _ struct{}) ([]v1.DeviceItem, error) {
	return load(ctx)
}

func record(ctx *durable.Context, deviceID, token string) error {
	items, err := load(ctx)
	if err != nil {
		return err
	}
	now, err := ctx.Now()
	if err != nil {
		return err
	}
	item := v1.DeviceItem{DeviceID: deviceID, CancellationToken: token, LastUpdated: now}
	if i := indexOf(items, deviceID); i >= 0 {
		items[i] = item
	} else {
		items = append(items, item)
	}
	return ctx.Set(StateDevices, items)
}

func load(ctx *durable.Context) ([]v1.DeviceItem, error) {
	items := []v1.DeviceItem{}
	if _, err := ctx.Get(StateDevices, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []v1.DeviceItem{}
	}
	return items, nil
}

func indexOf(items []v1.DeviceItem, deviceID string) int {
	return slices.IndexFunc(items, func(it v1.DeviceItem) bool {
		return it.DeviceID == deviceID
	})
}
