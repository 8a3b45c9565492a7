// Package fieldagent simulates the devices behind the charge controller. It
// receives instructions on {root}/command/+ and answers each one with an
// acknowledgment on {root}/ack/{deviceID}.
package fieldagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/chargepeer/internal/pkg/mqtt/adapter"
	"github.com/autopeer-io/chargepeer/internal/pkg/mqtt/paths"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
	"github.com/autopeer-io/chargepeer/pkg/log"
	"github.com/autopeer-io/chargepeer/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/chargepeer/pkg/mqtt/topic"
)

type Agent struct {
	id     string
	mc     mqtt.Client
	topics *mqtttopic.Builder
	qos    int
	clock  clock.Clock

	ackDelay    time.Duration
	failureRate float64
	random      func() float64
	silent      bool

	mu      sync.Mutex
	devices map[string]v1.ControlType

	wg sync.WaitGroup
}

type Option func(*Agent)

func WithQoS(qos int) Option {
	return func(a *Agent) { a.qos = qos }
}

func WithAckDelay(d time.Duration) Option {
	return func(a *Agent) { a.ackDelay = d }
}

// WithFailureRate makes a device report a control failure when random()
// falls below rate.
func WithFailureRate(rate float64, random func() float64) Option {
	return func(a *Agent) {
		a.failureRate = rate
		a.random = random
	}
}

func WithSilence(silent bool) Option {
	return func(a *Agent) { a.silent = silent }
}

func WithClock(c clock.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

func NewAgent(id string, client mqtt.Client, builder *mqtttopic.Builder, opts ...Option) *Agent {
	a := &Agent{
		id:      id,
		mc:      client,
		topics:  builder,
		qos:     1,
		clock:   clock.RealClock{},
		random:  func() float64 { return 1 },
		devices: make(map[string]v1.ControlType),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Agent) Run(ctx context.Context) error {
	log.Info("Starting cpeer-field-agent", "agent", a.id, "ackDelay", a.ackDelay, "failureRate", a.failureRate)

	if err := a.mc.Start(ctx); err != nil {
		return err
	}
	defer a.stop()

	if err := a.mc.AwaitConnection(ctx); err != nil {
		return err
	}

	handler := adapter.JSONHandler(a.handleInstruction)
	filter := a.topics.BuildWildcard(paths.Command)
	err := a.mc.Subscribe(ctx, filter, a.qos, func(c context.Context, t string, p []byte) {
		if handleErr := handler(c, t, p); handleErr != nil {
			log.Error(handleErr, "Handler execution failed", "topic", t)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}

	if err := a.publishOnline(ctx, true, ""); err != nil {
		log.Error(err, "Failed to publish online status")
	}

	<-ctx.Done()
	log.Info("Agent shutting down...")
	return nil
}

// Devices returns the last instruction type applied per device.
func (a *Agent) Devices() map[string]v1.ControlType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]v1.ControlType, len(a.devices))
	for k, v := range a.devices {
		out[k] = v
	}
	return out
}

func (a *Agent) handleInstruction(ctx context.Context, topic string, in *v1.Instruction) error {
	id, ok := a.topics.ID(paths.Command, topic)
	if !ok {
		return fmt.Errorf("unexpected command topic %q", topic)
	}
	if in.DeviceID != "" && in.DeviceID != id {
		return fmt.Errorf("instruction for %s published on %s", in.DeviceID, topic)
	}

	log.Info(">>> PROCESSING INSTRUCTION <<<",
		"device", id,
		"type", in.Type,
		"start", in.StartTime.Format(time.RFC3339))

	if a.silent {
		return nil
	}

	kind := a.acknowledgment(in.Type)
	if kind != v1.ControlFailed {
		a.mu.Lock()
		a.devices[id] = in.Type
		a.mu.Unlock()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case <-a.clock.After(a.ackDelay):
		case <-ctx.Done():
			return
		}
		if err := a.acknowledge(ctx, id, in.DeviceType, kind); err != nil {
			log.Error(err, "Failed to acknowledge instruction", "device", id)
		}
	}()
	return nil
}

func (a *Agent) acknowledgment(t v1.ControlType) v1.ValidationKind {
	if a.failureRate > 0 && a.random() < a.failureRate {
		return v1.ControlFailed
	}
	switch t {
	case v1.ControlImport:
		return v1.ConfirmationFor(v1.StateImport)
	case v1.ControlIdle:
		return v1.ConfirmationFor(v1.StateIdle)
	default:
		return v1.ControlFailed
	}
}

func (a *Agent) acknowledge(ctx context.Context, deviceID, deviceType string, kind v1.ValidationKind) error {
	payload, err := json.Marshal(v1.ValidationEvent{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Kind:       kind,
		Timestamp:  a.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	log.Info("Acknowledging instruction", "device", deviceID, "kind", kind)
	return a.mc.Publish(ctx, a.topics.Build(paths.Ack, deviceID), a.qos, false, payload)
}

func (a *Agent) publishOnline(ctx context.Context, online bool, reason string) error {
	now := a.clock.Now().UTC()
	payload, err := json.Marshal(v1.OnlineStatus{
		DeviceID:  a.id,
		Online:    online,
		Reason:    reason,
		Timestamp: &now,
	})
	if err != nil {
		return err
	}
	return a.mc.Publish(ctx, a.topics.Build(paths.Online, a.id), 1, true, payload)
}

func (a *Agent) stop() {
	a.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.publishOnline(ctx, false, "Shutdown"); err != nil {
		log.Error(err, "Failed to publish offline status")
	}
	log.Info("Disconnecting MQTT client...")
	a.mc.Disconnect(ctx)
}
