package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core"
	"github.com/autopeer-io/chargepeer/internal/pkg/metrics"
	"github.com/autopeer-io/chargepeer/internal/pkg/mqtt/paths"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
	pkgmqtt "github.com/autopeer-io/chargepeer/pkg/mqtt"
	"github.com/autopeer-io/chargepeer/pkg/mqtt/topic"
	"github.com/autopeer-io/chargepeer/pkg/options"
)

var _ core.Publisher = (*MQTTPublisher)(nil)

// MQTTPublisher sends instructions to {root}/command/{deviceID}.
type MQTTPublisher struct {
	client pkgmqtt.Client
	topics *topic.Builder
	qos    int
}

// NewMQTTPublisher creates a dedicated egress client, separate from the
// ingress connection of the MQTT server. Call Connect before publishing.
func NewMQTTPublisher(opts *options.MqttOptions, clientID string) (*MQTTPublisher, error) {
	cfg := opts.ToClientConfig()
	cfg.ClientID = clientID + "-notifier"

	client, err := pkgmqtt.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return newMQTTPublisher(client, topic.NewTopicBuilder(opts.TopicRoot), opts.QoS), nil
}

// Connect starts the connection manager. It does not wait for the broker;
// publishes before the first connection fail and are retried by the caller.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	return p.client.Start(ctx)
}

func newMQTTPublisher(client pkgmqtt.Client, topics *topic.Builder, qos int) *MQTTPublisher {
	return &MQTTPublisher{client: client, topics: topics, qos: qos}
}

func (p *MQTTPublisher) Publish(ctx context.Context, in v1.Instruction) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}

	t := p.topics.Build(paths.Command, in.DeviceID)
	if err := p.client.Publish(ctx, t, p.qos, false, payload); err != nil {
		metrics.FieldPublishTotal.WithLabelValues("failed", string(in.Type)).Inc()
		return fmt.Errorf("publish to %s: %w", t, err)
	}
	metrics.FieldPublishTotal.WithLabelValues("success", string(in.Type)).Inc()
	return nil
}

// Close disconnects the egress client.
func (p *MQTTPublisher) Close(ctx context.Context) {
	p.client.Disconnect(ctx)
}
