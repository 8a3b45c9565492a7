package chargecontroller

import (
	"context"
	"fmt"
	"time"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/archive"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/coordinator"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/service"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/statemachine"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/notifier"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/server"
	"github.com/autopeer-io/chargepeer/internal/pkg/durable"
	"github.com/autopeer-io/chargepeer/pkg/log"
	"github.com/autopeer-io/chargepeer/pkg/options"
)

type Config struct {
	HttpOptions    *options.HttpOptions
	MqttOptions    *options.MqttOptions
	KafkaOptions   *options.KafkaOptions
	S3Options      *options.S3Options
	StoreOptions   *options.StoreOptions
	DurableOptions *options.DurableOptions
}

// ChargeControllerServer owns the durable runtime and every adapter around it.
type ChargeControllerServer struct {
	store         durable.Store
	publisher     *notifier.MQTTPublisher
	kafka         *notifier.KafkaPublisher
	sink          archive.Sink
	serverManager *server.Manager
}

func (cfg *Config) NewChargeControllerServer() (*ChargeControllerServer, error) {
	// 1. Infrastructure: durable store and host
	store, err := InitializeStore(cfg.StoreOptions)
	if err != nil {
		return nil, err
	}
	host := durable.NewHost(store, durable.Options{
		Logger:               log.WithName("durable"),
		RetryInitialInterval: cfg.DurableOptions.RetryInitialInterval,
		RetryMaxInterval:     cfg.DurableOptions.RetryMaxInterval,
		MaxAttempts:          cfg.DurableOptions.MaxAttempts,
	})

	// 2. Infrastructure: instruction publishers (Secondary Adapters)
	clientID := cfg.MqttOptions.ClientID
	if clientID == "" {
		clientID = DefaultClientID()
	}
	mqttPublisher, err := notifier.NewMQTTPublisher(cfg.MqttOptions, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to init notifier: %w", err)
	}
	var publisher core.Publisher = mqttPublisher
	var kafkaPublisher *notifier.KafkaPublisher
	if cfg.KafkaOptions.Enabled() && cfg.KafkaOptions.InstructionTopic != "" {
		kafkaPublisher = notifier.NewKafkaPublisher(cfg.KafkaOptions)
		publisher = notifier.Multi{mqttPublisher, kafkaPublisher}
	}

	// 3. Infrastructure: archive sink, optional
	var sink archive.Sink
	if cfg.S3Options.Enabled() {
		minioSink, err := archive.NewMinIOSink(cfg.S3Options)
		if err != nil {
			return nil, err
		}
		sink = minioSink
	}

	// 4. Core Domain: durable services registered on the host
	var keyFn core.KeyFunc = core.PerDevice
	if cfg.DurableOptions.FleetKey != "" {
		keyFn = core.Fleet(cfg.DurableOptions.FleetKey)
	}
	host.Register(statemachine.New(publisher, statemachine.WithTracking(keyFn)).Service())
	host.Register(coordinator.New().Service())
	svc := service.New(host, keyFn)

	// 5. Background workers
	collector := &archive.Collector{
		Source:            host,
		Sink:              sink,
		Log:               log.WithName("archive").Logr(),
		RetentionDuration: cfg.DurableOptions.Retention,
		CleanupInterval:   cfg.DurableOptions.GCInterval,
		BatchSize:         500,
	}

	// 6. Ingress Servers (Primary Adapters)
	mqttClient, err := InitializeMQTTClient(cfg.MqttOptions)
	if err != nil {
		return nil, err
	}
	serverConfig := &server.Config{
		HttpOptions:  cfg.HttpOptions,
		MqttOptions:  cfg.MqttOptions,
		KafkaOptions: cfg.KafkaOptions,
		MqttClient:   mqttClient,
	}
	srvManager, err := server.NewManager(serverConfig, svc, host, collector)
	if err != nil {
		return nil, fmt.Errorf("failed to init server manager: %w", err)
	}

	return &ChargeControllerServer{
		store:         store,
		publisher:     mqttPublisher,
		kafka:         kafkaPublisher,
		sink:          sink,
		serverManager: srvManager,
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or one fails.
func (s *ChargeControllerServer) Run(ctx context.Context) error {
	defer s.close()

	if s.sink != nil {
		if err := s.sink.CheckBucket(ctx); err != nil {
			return err
		}
	}
	if err := s.publisher.Connect(ctx); err != nil {
		return fmt.Errorf("failed to start notifier: %w", err)
	}

	log.Info("Starting charge controller")
	return s.serverManager.Start(ctx)
}

func (s *ChargeControllerServer) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.publisher.Close(shutdownCtx)

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			log.Error(err, "Failed to close kafka writer")
		}
	}
	if err := s.store.Close(); err != nil {
		log.Error(err, "Failed to close store")
	}
}
