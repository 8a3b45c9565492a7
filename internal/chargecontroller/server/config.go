package server

import (
	pkgmqtt "github.com/autopeer-io/chargepeer/pkg/mqtt"
	"github.com/autopeer-io/chargepeer/pkg/options"
)

type Config struct {
	HttpOptions  *options.HttpOptions
	MqttOptions  *options.MqttOptions
	KafkaOptions *options.KafkaOptions

	// MqttClient is the ingress connection shared by the MQTT server.
	MqttClient pkgmqtt.Client
}
