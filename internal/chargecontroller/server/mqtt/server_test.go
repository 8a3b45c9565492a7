package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/coordinator"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/service"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/statemachine"
	"github.com/autopeer-io/chargepeer/internal/pkg/durable"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
	pkgmqtt "github.com/autopeer-io/chargepeer/pkg/mqtt"
	"github.com/autopeer-io/chargepeer/pkg/mqtt/topic"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeClient struct {
	mu       sync.Mutex
	handlers map[string]pkgmqtt.MessageHandler
}

func (c *fakeClient) Start(context.Context) error { return nil }
func (c *fakeClient) Disconnect(context.Context)  {}
func (c *fakeClient) Publish(context.Context, string, int, bool, []byte) error {
	return nil
}
func (c *fakeClient) Subscribe(_ context.Context, t string, _ int, h pkgmqtt.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = h
	return nil
}
func (c *fakeClient) Unsubscribe(context.Context, string) error { return nil }
func (c *fakeClient) AwaitConnection(context.Context) error     { return nil }
func (c *fakeClient) IsConnected() bool                         { return true }

func (c *fakeClient) subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		out = append(out, t)
	}
	return out
}

func (c *fakeClient) deliver(t *testing.T, filter, concrete string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	c.mu.Lock()
	h := c.handlers[filter]
	c.mu.Unlock()
	require.NotNil(t, h, "no subscription for %s", filter)
	h(context.Background(), concrete, payload)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, v1.Instruction) error { return nil }

func startServer(t *testing.T) (*fakeClient, *service.Service) {
	t.Helper()
	host := durable.NewHost(durable.NewMemoryStore(), durable.Options{
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     10 * time.Millisecond,
	})
	host.Register(statemachine.New(nopPublisher{}).Service())
	host.Register(coordinator.New().Service())
	svc := service.New(host, core.PerDevice)

	client := &fakeClient{handlers: map[string]pkgmqtt.MessageHandler{}}
	srv := NewServer(client, topic.NewTopicBuilder("charge/v1"), 1, svc)

	ctx, cancel := context.WithCancel(context.Background())
	hostDone := make(chan error, 1)
	srvDone := make(chan error, 1)
	go func() { hostDone <- host.Start(ctx) }()
	go func() { srvDone <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-srvDone)
		require.NoError(t, <-hostDone)
	})

	require.Eventually(t, func() bool { return len(client.subscribed()) == 2 }, waitFor, tick)
	assert.True(t, srv.Ready())
	return client, svc
}

func TestSubscribesThroughSharedGroup(t *testing.T) {
	client, _ := startServer(t)

	assert.ElementsMatch(t, []string{
		"$share/charge-controller/charge/v1/ack/+",
		"$share/charge-controller/charge/v1/schedule/+",
	}, client.subscribed())
}

func TestScheduleAndAck(t *testing.T) {
	client, svc := startServer(t)
	now := time.Now().UTC()

	client.deliver(t, "$share/charge-controller/charge/v1/schedule/+", "charge/v1/schedule/veh-1",
		v1.PowerEvent{Power: 1, Timestamp: now, Start: now, End: now.Add(time.Hour)})

	require.Eventually(t, func() bool {
		st, err := svc.DeviceState(context.Background(), "veh-1")
		return err == nil && st.ControlState == v1.StateAwaitingImport
	}, waitFor, tick)

	client.deliver(t, "$share/charge-controller/charge/v1/ack/+", "charge/v1/ack/veh-1",
		v1.ValidationEvent{Kind: v1.StartChargeOK, Timestamp: now})

	require.Eventually(t, func() bool {
		st, err := svc.DeviceState(context.Background(), "veh-1")
		return err == nil && st.ControlState == v1.StateImport
	}, waitFor, tick)
}
