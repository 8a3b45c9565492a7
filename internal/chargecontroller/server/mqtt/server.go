package mqtt

import (
	"context"
	"fmt"
	"time"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/service"
	"github.com/autopeer-io/chargepeer/internal/pkg/mqtt/adapter"
	"github.com/autopeer-io/chargepeer/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/chargepeer/pkg/log"
	pkgmqtt "github.com/autopeer-io/chargepeer/pkg/mqtt"
	"github.com/autopeer-io/chargepeer/pkg/mqtt/topic"
)

const disconnectTimeout = 5 * time.Second

// Server consumes device acknowledgments and schedule commands from the broker.
type Server struct {
	client pkgmqtt.Client
	topics *topic.Builder
	qos    int
	svc    *service.Service
	log    log.Logger
}

func NewServer(client pkgmqtt.Client, builder *topic.Builder, qos int, svc *service.Service) *Server {
	return &Server{
		client: client,
		topics: builder,
		qos:    qos,
		svc:    svc,
		log:    log.WithName("mqtt-ingress"),
	}
}

// Start connects, subscribes through the controller share group and blocks
// until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return err
	}
	defer s.disconnect()

	s.log.Info("Waiting for broker connection")
	if err := s.client.AwaitConnection(ctx); err != nil {
		return err
	}
	s.log.Info("Broker connected")

	if err := s.subscribe(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

// Ready reports whether the ingress connection is up.
func (s *Server) Ready() bool {
	return s.client.IsConnected()
}

func (s *Server) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	s.client.Disconnect(ctx)
	s.log.Info("Broker disconnected")
}

func (s *Server) subscribe(ctx context.Context) error {
	routes := []struct {
		segment string
		handle  adapter.HandlerFunc
	}{
		{paths.Ack, adapter.JSONHandler(s.handleAck)},
		{paths.Schedule, adapter.JSONHandler(s.handleSchedule)},
	}

	shared := s.topics.Shared(paths.GroupChargeController)
	for _, r := range routes {
		filter := shared.BuildWildcard(r.segment)
		handle := r.handle
		err := s.client.Subscribe(ctx, filter, s.qos, func(c context.Context, t string, p []byte) {
			if err := handle(c, t, p); err != nil {
				s.log.Error(err, "Dropping message", "topic", t)
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", filter, err)
		}
		s.log.Debug("Subscribed", "filter", filter)
	}
	return nil
}
