// Package core holds the ports and the durable service addresses shared by
// the charge controller's use cases.
package core

import (
	"context"

	"github.com/autopeer-io/chargepeer/internal/pkg/durable"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
)

// Durable services and their handlers.
const (
	DeviceService = "device-state-machine"

	HandlerIdle     = "idle"
	HandlerImport   = "import"
	HandlerExport   = "export"
	HandlerValidate = "validate"
	HandlerCancel   = "cancel"
	HandlerGetState = "getState"

	CoordinatorService = "parent-device"

	HandlerHandle   = "handle"
	HandlerTrack    = "track"
	HandlerRegistry = "registry"
)

// HandlerFor returns the device handler that carries out commands of type t.
func HandlerFor(t v1.ControlType) string {
	switch t {
	case v1.ControlImport:
		return HandlerImport
	case v1.ControlExport:
		return HandlerExport
	default:
		return HandlerIdle
	}
}

// Publisher tells the field to carry out an instruction.
// It is implemented by the MQTT and Kafka notifiers.
type Publisher interface {
	Publish(ctx context.Context, in v1.Instruction) error
}

// KeyFunc maps a device id to the coordinator key that polices it.
type KeyFunc func(deviceID string) string

// PerDevice keys each coordinator by device id.
func PerDevice(deviceID string) string { return deviceID }

// Fleet routes every device through the coordinator key.
func Fleet(key string) KeyFunc {
	return func(string) string { return key }
}

// Runtime is the durable host as seen by the use cases.
// In chargepeer, this is implemented by durable.Host.
type Runtime interface {
	// Submit schedules an invocation and returns its id.
	Submit(ctx context.Context, req durable.Request) (string, error)

	// Invoke runs an invocation and waits for its reply.
	Invoke(ctx context.Context, req durable.Request, out any) error

	Get(ctx context.Context, id string) (*durable.Invocation, error)

	// Resolve and Reject complete an awakeable by its token.
	Resolve(ctx context.Context, token string, v any) (bool, error)
	Reject(ctx context.Context, token, reason string) (bool, error)
}
