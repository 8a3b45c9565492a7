package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/coordinator"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/statemachine"
	"github.com/autopeer-io/chargepeer/internal/pkg/durable"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu   sync.Mutex
	sent []v1.Instruction
}

func (r *recorder) Publish(_ context.Context, in v1.Instruction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, in)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newService(t *testing.T) (*Service, *recorder) {
	t.Helper()
	pub := &recorder{}
	host := durable.NewHost(durable.NewMemoryStore(), durable.Options{
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     10 * time.Millisecond,
	})
	host.Register(statemachine.New(pub, statemachine.WithTracking(core.PerDevice)).Service())
	host.Register(coordinator.New().Service())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- host.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return New(host, nil), pub
}

func awaitInvocation(t *testing.T, s *Service, id string) v1.InvocationStatus {
	t.Helper()
	var st v1.InvocationStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = s.Invocation(context.Background(), id)
		return err == nil && (st.Status == string(durable.StatusCompleted) || st.Status == string(durable.StatusFailed))
	}, waitFor, tick)
	return st
}

func TestPowerEventDrivesDevice(t *testing.T) {
	s, pub := newService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := s.SubmitPowerEvent(ctx, v1.PowerEvent{
		DeviceID:  "veh-1",
		Power:     1,
		Timestamp: now,
		Start:     now,
		End:       now.Add(time.Hour),
	}, "veh-1/1")
	require.NoError(t, err)

	again, err := s.SubmitPowerEvent(ctx, v1.PowerEvent{DeviceID: "veh-1", Power: 1, End: now.Add(time.Hour)}, "veh-1/1")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	st := awaitInvocation(t, s, id)
	assert.Equal(t, core.CoordinatorService, st.Service)
	require.NotNil(t, st.Result)
	assert.Equal(t, v1.OutcomeAccepted, st.Result.Outcome)
	assert.Equal(t, 1, pub.count())

	dev, err := s.DeviceState(ctx, "veh-1")
	require.NoError(t, err)
	assert.Equal(t, v1.StateAwaitingImport, dev.ControlState)

	res, err := s.Validate(ctx, "veh-1", v1.ValidationEvent{Kind: v1.StartChargeOK})
	require.NoError(t, err)
	assert.True(t, res.Resolved)

	require.Eventually(t, func() bool {
		dev, err := s.DeviceState(ctx, "veh-1")
		return err == nil && dev.ControlState == v1.StateImport
	}, waitFor, tick)

	items, err := s.Registry(ctx, "veh-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "veh-1", items[0].DeviceID)

	res, err = s.Cancel(ctx, "veh-1")
	require.NoError(t, err)
	assert.True(t, res.Resolved)
}

func TestResolveTokenFromState(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	end := time.Now().Add(time.Hour)

	id, err := s.SubmitCommand(ctx, v1.ControlCommand{Type: v1.ControlImport, DeviceID: "veh-2", EndTime: &end}, "")
	require.NoError(t, err)
	awaitInvocation(t, s, id)

	dev, err := s.DeviceState(ctx, "veh-2")
	require.NoError(t, err)
	require.NotEmpty(t, dev.OutstandingToken)

	res, err := s.ResolveToken(ctx, dev.OutstandingToken, v1.ResolveRequest{
		Event: &v1.ValidationEvent{DeviceID: "veh-2", Kind: v1.StartChargeOK},
	})
	require.NoError(t, err)
	assert.True(t, res.Resolved)

	require.Eventually(t, func() bool {
		dev, err := s.DeviceState(ctx, "veh-2")
		return err == nil && dev.ControlState == v1.StateImport
	}, waitFor, tick)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	s, pub := newService(t)
	ctx := context.Background()

	_, err := s.SubmitPowerEvent(ctx, v1.PowerEvent{DeviceID: "veh-3", Power: 2}, "")
	assert.ErrorIs(t, err, v1.ErrInvalidPower)

	_, err = s.SubmitCommand(ctx, v1.ControlCommand{Type: v1.ControlImport, DeviceID: "veh-3"}, "")
	assert.ErrorIs(t, err, v1.ErrInvalidCommand)
	assert.Zero(t, pub.count())

	_, err = s.Invocation(ctx, "inv_missing")
	assert.ErrorIs(t, err, durable.ErrNotFound)
}

func TestEventKey(t *testing.T) {
	ts := time.Date(2026, 5, 1, 12, 0, 0, 5, time.FixedZone("CET", 3600))
	assert.Equal(t, "veh-1@2026-05-01T11:00:00.000000005Z", EventKey("veh-1", ts))
	assert.Empty(t, EventKey("veh-1", time.Time{}))
}
