package server

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/service"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/server/http"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/server/kafka"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/server/mqtt"
	"github.com/autopeer-io/chargepeer/pkg/log"
	"github.com/autopeer-io/chargepeer/pkg/mqtt/topic"
)

// Server defines the common interface for all sub-servers and background workers.
type Server interface {
	Start(ctx context.Context) error
}

// Manager manages the lifecycle of all protocol servers.
type Manager struct {
	servers []Server
}

// NewManager creates a new server manager and initializes all sub-servers.
// Workers such as the durable host run alongside them.
func NewManager(cfg *Config, svc *service.Service, workers ...Server) (*Manager, error) {
	if cfg.MqttClient == nil {
		return nil, fmt.Errorf("mqtt client is required")
	}

	servers := append([]Server(nil), workers...)

	// 1. MQTT server (device acknowledgments and schedules)
	builder := topic.NewTopicBuilder(cfg.MqttOptions.TopicRoot)
	mqttSrv := mqtt.NewServer(cfg.MqttClient, builder, cfg.MqttOptions.QoS, svc)
	servers = append(servers, mqttSrv)

	// 2. Kafka consumer, only when brokers are configured
	if cfg.KafkaOptions.Enabled() {
		servers = append(servers, kafka.NewConsumer(cfg.KafkaOptions, svc))
	}

	// 3. HTTP server (API, health & metrics), ready once MQTT subscriptions are active
	servers = append(servers, http.NewServer(cfg.HttpOptions, svc, mqttSrv.Ready))

	return &Manager{servers: servers}, nil
}

// Start launches all servers in parallel and waits for termination.
// The first failure stops the others.
func (m *Manager) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range m.servers {
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	log.Info("All servers starting...", "count", len(m.servers))
	return g.Wait()
}
