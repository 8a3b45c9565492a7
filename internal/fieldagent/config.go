package fieldagent

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/autopeer-io/chargepeer/internal/pkg/mqtt/paths"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
	"github.com/autopeer-io/chargepeer/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/chargepeer/pkg/mqtt/topic"
	"github.com/autopeer-io/chargepeer/pkg/options"
)

type Config struct {
	MqttOptions  *options.MqttOptions
	AgentOptions *options.FieldAgentOptions
}

func (cfg *Config) NewAgent() (*Agent, error) {
	id := cfg.AgentOptions.AgentID

	mqttClient, topicBuilder, err := cfg.initMqttClientAndTopicBuilder(id)
	if err != nil {
		return nil, fmt.Errorf("failed to init mqtt client: %w", err)
	}

	return NewAgent(id, mqttClient, topicBuilder,
		WithQoS(cfg.MqttOptions.QoS),
		WithAckDelay(cfg.AgentOptions.AckDelay),
		WithFailureRate(cfg.AgentOptions.FailureRate, rand.Float64),
		WithSilence(cfg.AgentOptions.Silent),
	), nil
}

func (cfg *Config) initMqttClientAndTopicBuilder(id string) (mqtt.Client, *mqtttopic.Builder, error) {
	topicBuilder := mqtttopic.NewTopicBuilder(cfg.MqttOptions.TopicRoot)

	mqttConfig := cfg.MqttOptions.ToClientConfig()
	if mqttConfig.ClientID == "" {
		mqttConfig.ClientID = fmt.Sprintf("cpeer-field-agent-%s", id)
	}

	// No timestamp in the will; it is published long after it is registered.
	offlinePayload, _ := json.Marshal(v1.OnlineStatus{
		DeviceID: id,
		Online:   false,
		Reason:   "UnexpectedDisconnect",
	})

	mqttConfig.WillTopic = topicBuilder.Build(paths.Online, id)
	mqttConfig.WillPayload = offlinePayload
	mqttConfig.WillQoS = 1
	mqttConfig.WillRetain = true

	mqttClient, err := mqtt.NewClient(mqttConfig)
	if err != nil {
		return nil, nil, err
	}

	return mqttClient, topicBuilder, nil
}
