package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/autopeer-io/chargepeer/pkg/log"
)

// reconnectDelay is the pause between connection attempts.
const reconnectDelay = 3 * time.Second

var _ Client = (*pahoClient)(nil)

type pahoClient struct {
	cfg    *ClientConfig
	routes *router

	cm        atomic.Pointer[autopaho.ConnectionManager]
	connected atomic.Bool

	// ctx is the session lifetime handed to message handlers.
	ctx atomic.Pointer[context.Context]
}

// NewClient validates cfg and returns an unstarted autopaho-backed Client.
func NewClient(cfg *ClientConfig) (Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mqtt config is required")
	}
	setDefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}
	return &pahoClient{cfg: cfg, routes: newRouter()}, nil
}

func (c *pahoClient) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.BrokerURL)
	if err != nil {
		return err
	}

	c.ctx.Store(&ctx)
	log.Info("Starting MQTT Client", "broker", c.cfg.BrokerURL, "clientID", c.cfg.ClientID)

	cm, err := autopaho.NewConnection(ctx, autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     c.cfg.KeepAlive,
		CleanStartOnInitialConnection: c.cfg.CleanStart,
		SessionExpiryInterval:         c.cfg.SessionExpiry,
		ReconnectBackoff:              autopaho.NewConstantBackoff(reconnectDelay),
		ConnectTimeout:                c.cfg.ConnectTimeout,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		TlsCfg:                        &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify},
		WillMessage:                   c.willMessage(),
		OnConnectionUp:                c.onConnectionUp,
		OnConnectError: func(err error) {
			c.connected.Store(false)
			log.Error(err, "MQTT Connection failed, retrying...", "retryIn", reconnectDelay)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnClientError: func(err error) {
				c.connected.Store(false)
				log.Error(err, "MQTT Client internal error")
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.connected.Store(false)
				reason := ""
				if d.Properties != nil {
					reason = d.Properties.ReasonString
				}
				log.Warn("MQTT Server requested disconnect", "code", d.ReasonCode, "reason", reason)
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){c.dispatch},
		},
	})
	if err != nil {
		return err
	}
	c.cm.Store(cm)
	return nil
}

func (c *pahoClient) manager() (*autopaho.ConnectionManager, error) {
	cm := c.cm.Load()
	if cm == nil {
		return nil, ErrNotStarted
	}
	return cm, nil
}

func (c *pahoClient) AwaitConnection(ctx context.Context) error {
	cm, err := c.manager()
	if err != nil {
		return err
	}
	return cm.AwaitConnection(ctx)
}

func (c *pahoClient) IsConnected() bool {
	return c.connected.Load()
}

func (c *pahoClient) Disconnect(ctx context.Context) {
	cm := c.cm.Load()
	if cm == nil {
		return
	}
	if err := cm.Disconnect(ctx); err != nil {
		log.Debug("MQTT disconnect returned an error", "error", err)
	}
	c.connected.Store(false)
	log.Info("MQTT Client disconnected", "clientID", c.cfg.ClientID)
}

func (c *pahoClient) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	cm, err := c.manager()
	if err != nil {
		return err
	}
	_, err = cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     byte(qos),
		Retain:  retain,
		Payload: payload,
	})
	return err
}

// Subscribe records the handler and, when connected, subscribes right away.
// Otherwise the subscription is sent by the next onConnectionUp.
func (c *pahoClient) Subscribe(ctx context.Context, filter string, qos int, handler MessageHandler) error {
	cm, err := c.manager()
	if err != nil {
		return err
	}
	c.routes.add(filter, qos, handler)

	if !c.IsConnected() {
		log.Info("Subscription deferred until connected", "topic", filter)
		return nil
	}
	if err := subscribe(ctx, cm, route{filter: filter, qos: qos}); err != nil {
		return fmt.Errorf("failed to send subscription packet: %w", err)
	}
	log.Info("Subscribed to topic", "topic", filter)
	return nil
}

func (c *pahoClient) Unsubscribe(ctx context.Context, filter string) error {
	cm, err := c.manager()
	if err != nil {
		return err
	}
	c.routes.remove(filter)
	_, err = cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}})
	return err
}

func (c *pahoClient) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	c.connected.Store(true)
	log.Info("MQTT Connection established", "clientID", c.cfg.ClientID)

	for _, rt := range c.routes.all() {
		if err := subscribe(c.handlerContext(), cm, rt); err != nil {
			log.Error(err, "Failed to re-subscribe", "topic", rt.filter)
			continue
		}
		log.Info("Re-subscribed", "topic", rt.filter)
	}
}

// dispatch hands a received message to every matching handler. The packet
// is always acknowledged.
func (c *pahoClient) dispatch(p paho.PublishReceived) (bool, error) {
	handlers := c.routes.match(p.Packet.Topic)
	if len(handlers) == 0 {
		log.Debug("Received message on unhandled topic", "topic", p.Packet.Topic)
		return true, nil
	}
	ctx := c.handlerContext()
	for _, h := range handlers {
		go h(ctx, p.Packet.Topic, p.Packet.Payload)
	}
	return true, nil
}

func (c *pahoClient) handlerContext() context.Context {
	if ctx := c.ctx.Load(); ctx != nil {
		return *ctx
	}
	return context.Background()
}

func (c *pahoClient) willMessage() *paho.WillMessage {
	if c.cfg.WillTopic == "" {
		return nil
	}
	return &paho.WillMessage{
		Topic:   c.cfg.WillTopic,
		Payload: c.cfg.WillPayload,
		QoS:     c.cfg.WillQoS,
		Retain:  c.cfg.WillRetain,
	}
}

func subscribe(ctx context.Context, cm *autopaho.ConnectionManager, rt route) error {
	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: rt.filter, QoS: byte(rt.qos)}},
	})
	return err
}
