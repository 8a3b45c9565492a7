package service

import (
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/relay"
)

// Service implements the use cases of the charge controller on top of the
// durable runtime. Inbound adapters (HTTP, MQTT, Kafka) only talk to it.
type Service struct {
	runtime        core.Runtime
	relay          *relay.Relay
	coordinatorKey core.KeyFunc
}

// New creates the charge controller service. Commands for a device are
// routed to the coordinator named by key.
func New(runtime core.Runtime, key core.KeyFunc) *Service {
	if key == nil {
		key = core.PerDevice
	}
	return &Service{
		runtime:        runtime,
		relay:          relay.New(runtime),
		coordinatorKey: key,
	}
}
