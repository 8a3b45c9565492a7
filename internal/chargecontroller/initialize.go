package chargecontroller

import (
	"fmt"
	"os"

	"github.com/autopeer-io/chargepeer/internal/pkg/durable"
	"github.com/autopeer-io/chargepeer/pkg/log"
	"github.com/autopeer-io/chargepeer/pkg/mqtt"
	"github.com/autopeer-io/chargepeer/pkg/options"
)

// DefaultClientID returns the MQTT client ID used when none is configured.
func DefaultClientID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("cpeer-charge-controller-%s", hostname)
}

func InitializeMQTTClient(opts *options.MqttOptions) (mqtt.Client, error) {
	cfg := opts.ToClientConfig()

	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID()
	}

	mqttclient, err := mqtt.NewClient(cfg)
	if err != nil {
		log.Error(err, "failed to new mqtt client")
		return nil, err
	}

	return mqttclient, nil
}

func InitializeStore(opts *options.StoreOptions) (durable.Store, error) {
	switch opts.Driver {
	case "memory":
		log.Warn("Using the in-memory store, invocations do not survive a restart")
		return durable.NewMemoryStore(), nil
	case "sqlite":
		store, err := durable.NewSQLiteStore(opts.Path, opts.PoolSize)
		if err != nil {
			log.Error(err, "failed to open sqlite store", "path", opts.Path)
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
