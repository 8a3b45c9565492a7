package mqtt

import (
	"context"
	"fmt"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/service"
	"github.com/autopeer-io/chargepeer/internal/pkg/mqtt/paths"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
)

// handleAck relays a device acknowledgment from {root}/ack/{deviceID}.
func (s *Server) handleAck(ctx context.Context, topic string, event *v1.ValidationEvent) error {
	id, ok := s.topics.ID(paths.Ack, topic)
	if !ok {
		return fmt.Errorf("unexpected ack topic %q", topic)
	}
	res, err := s.svc.Validate(ctx, id, *event)
	if err != nil {
		return err
	}
	if !res.Resolved {
		s.log.Info("Acknowledgment not awaited", "device", id, "kind", event.Kind)
	}
	return nil
}

// handleSchedule submits the power event from {root}/schedule/{deviceID}.
func (s *Server) handleSchedule(ctx context.Context, topic string, event *v1.PowerEvent) error {
	id, ok := s.topics.ID(paths.Schedule, topic)
	if !ok {
		return fmt.Errorf("unexpected schedule topic %q", topic)
	}
	if event.DeviceID == "" {
		event.DeviceID = id
	}
	if event.DeviceID != id {
		return fmt.Errorf("power event for %s published on %s", event.DeviceID, topic)
	}
	inv, err := s.svc.SubmitPowerEvent(ctx, *event, service.EventKey(event.DeviceID, event.Timestamp))
	if err != nil {
		return err
	}
	s.log.Debug("Power event submitted", "device", id, "power", event.Power, "invocation", inv)
	return nil
}
