package statemachine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core"
	"github.com/autopeer-io/chargepeer/internal/pkg/durable"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
	"github.com/autopeer-io/chargepeer/pkg/codec"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu       sync.Mutex
	sent     []v1.Instruction
	failures int
}

func (r *recorder) Publish(_ context.Context, in v1.Instruction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("broker unavailable")
	}
	r.sent = append(r.sent, in)
	return nil
}

func (r *recorder) instructions() []v1.Instruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]v1.Instruction(nil), r.sent...)
}

type harness struct {
	host  *durable.Host
	clock *testclock.FakeClock
	pub   *recorder
}

func newHarness(t *testing.T, pub *recorder) *harness {
	t.Helper()
	if pub == nil {
		pub = &recorder{}
	}
	fake := testclock.NewFakeClock(epoch)
	host := durable.NewHost(durable.NewMemoryStore(), durable.Options{
		Clock:                fake,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     10 * time.Millisecond,
	})
	host.Register(New(pub).Service())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- host.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return &harness{host: host, clock: fake, pub: pub}
}

func (h *harness) invoke(t *testing.T, handler, device string, in, out any) {
	t.Helper()
	err := h.host.Invoke(context.Background(), durable.Request{
		Service: core.DeviceService,
		Handler: handler,
		Key:     device,
		Input:   in,
	}, out)
	require.NoError(t, err)
}

func (h *harness) submit(t *testing.T, handler, device string, in any) string {
	t.Helper()
	id, err := h.host.Submit(context.Background(), durable.Request{
		Service: core.DeviceService,
		Handler: handler,
		Key:     device,
		Input:   in,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) state(t *testing.T, device string) v1.DeviceState {
	t.Helper()
	var st v1.DeviceState
	h.invoke(t, core.HandlerGetState, device, nil, &st)
	return st
}

func (h *harness) validate(t *testing.T, device string, kind v1.ValidationKind) bool {
	t.Helper()
	var res v1.ResolveResult
	h.invoke(t, core.HandlerValidate, device, v1.ValidationEvent{DeviceID: device, Kind: kind, Timestamp: h.clock.Now()}, &res)
	return res.Resolved
}

// final waits for invocation id to finish and returns its output, which
// differs from the early reply returned by Output.
func (h *harness) final(t *testing.T, id string) v1.HandleResult {
	t.Helper()
	var inv *durable.Invocation
	require.Eventually(t, func() bool {
		var err error
		inv, err = h.host.Get(context.Background(), id)
		return err == nil && inv.Status.Terminal()
	}, waitFor, tick)
	require.Equal(t, durable.StatusCompleted, inv.Status, inv.Failure)
	var out v1.HandleResult
	require.NoError(t, codec.Unmarshal(inv.Output, &out))
	return out
}

func (h *harness) awaitState(t *testing.T, device string, want v1.ControlState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.state(t, device).ControlState == want
	}, waitFor, tick, "device never reached %s", want)
}

func importCmd(device string, end time.Time) v1.ControlCommand {
	return v1.ControlCommand{
		Type:      v1.ControlImport,
		DeviceID:  device,
		Timestamp: epoch,
		StartTime: epoch,
		EndTime:   &end,
	}
}

func idleCmd(device string) v1.ControlCommand {
	return v1.ControlCommand{Type: v1.ControlIdle, DeviceID: device, Timestamp: epoch, StartTime: epoch}
}

func TestNeverCommandedDeviceIsIdle(t *testing.T) {
	h := newHarness(t, nil)

	st := h.state(t, "veh-0")
	assert.Equal(t, v1.StateIdle, st.ControlState)
	assert.Nil(t, st.CurrentCommand)
	assert.Empty(t, st.OutstandingToken)
}

func TestIdleWhenAlreadyIdleShortCircuits(t *testing.T) {
	h := newHarness(t, nil)

	var res v1.HandleResult
	h.invoke(t, core.HandlerIdle, "veh-1", idleCmd("veh-1"), &res)
	assert.Equal(t, v1.OutcomeAlreadyInState, res.Outcome)
	assert.Empty(t, res.CancellationToken)
	assert.Empty(t, h.pub.instructions())

	st := h.state(t, "veh-1")
	assert.Equal(t, v1.StateIdle, st.ControlState)
	require.NotNil(t, st.CurrentCommand)
	assert.Equal(t, v1.ControlIdle, st.CurrentCommand.Type)
	assert.Empty(t, st.OutstandingToken)
}

func TestImportThenTimedIdle(t *testing.T) {
	h := newHarness(t, nil)
	end := epoch.Add(time.Minute)

	var res v1.HandleResult
	h.invoke(t, core.HandlerImport, "veh-1", importCmd("veh-1", end), &res)
	assert.Equal(t, v1.OutcomeAccepted, res.Outcome)
	assert.NotEmpty(t, res.CancellationToken)

	st := h.state(t, "veh-1")
	assert.Equal(t, v1.StateAwaitingImport, st.ControlState)
	assert.NotEmpty(t, st.OutstandingToken)
	assert.NotEqual(t, res.CancellationToken, st.OutstandingToken, "validation token is reported first")
	require.Len(t, h.pub.instructions(), 1)
	assert.Equal(t, v1.ControlImport, h.pub.instructions()[0].Type)

	assert.True(t, h.validate(t, "veh-1", v1.StartChargeOK))
	h.awaitState(t, "veh-1", v1.StateImport)
	require.Eventually(t, h.clock.HasWaiters, waitFor, tick)

	h.clock.Step(59 * time.Second)
	assert.Never(t, func() bool { return len(h.pub.instructions()) > 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, v1.StateImport, h.state(t, "veh-1").ControlState)

	h.clock.Step(time.Second)
	require.Eventually(t, func() bool { return len(h.pub.instructions()) == 2 }, waitFor, tick)
	idle := h.pub.instructions()[1]
	assert.Equal(t, v1.ControlIdle, idle.Type)
	assert.Equal(t, "veh-1", idle.DeviceID)
	assert.Equal(t, epoch.Add(time.Minute), idle.StartTime)

	h.awaitState(t, "veh-1", v1.StateAwaitingIdle)
	require.Eventually(t, func() bool { return h.validate(t, "veh-1", v1.StopChargeOK) }, waitFor, tick)
	h.awaitState(t, "veh-1", v1.StateIdle)
	assert.Empty(t, h.state(t, "veh-1").OutstandingToken)
}

func TestCancelBeforeValidationRevertsState(t *testing.T) {
	h := newHarness(t, nil)

	id := h.submit(t, core.HandlerImport, "veh-2", importCmd("veh-2", epoch.Add(time.Hour)))
	h.awaitState(t, "veh-2", v1.StateAwaitingImport)

	var res v1.ResolveResult
	h.invoke(t, core.HandlerCancel, "veh-2", nil, &res)
	assert.True(t, res.Resolved)

	assert.Equal(t, v1.OutcomeCancelled, h.final(t, id).Outcome)

	st := h.state(t, "veh-2")
	assert.Equal(t, v1.StateIdle, st.ControlState)
	assert.Empty(t, st.OutstandingToken)
	assert.False(t, h.validate(t, "veh-2", v1.StartChargeOK), "late acknowledgment is dropped")
}

func TestCancelDuringImportKeepsImporting(t *testing.T) {
	h := newHarness(t, nil)

	id := h.submit(t, core.HandlerImport, "veh-3", importCmd("veh-3", epoch.Add(time.Hour)))
	h.awaitState(t, "veh-3", v1.StateAwaitingImport)
	require.True(t, h.validate(t, "veh-3", v1.StartChargeOK))
	require.Eventually(t, h.clock.HasWaiters, waitFor, tick)

	var res v1.ResolveResult
	require.Eventually(t, func() bool {
		h.invoke(t, core.HandlerCancel, "veh-3", nil, &res)
		return res.Resolved
	}, waitFor, tick)

	assert.Equal(t, v1.OutcomeCancelled, h.final(t, id).Outcome)
	assert.False(t, h.clock.HasWaiters(), "cancelled hold leaves no timer armed")

	h.clock.Step(2 * time.Hour)
	assert.Never(t, func() bool { return len(h.pub.instructions()) > 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, v1.StateImport, h.state(t, "veh-3").ControlState)
}

func TestValidationMismatchFailsInvocation(t *testing.T) {
	h := newHarness(t, nil)

	id := h.submit(t, core.HandlerImport, "veh-4", importCmd("veh-4", epoch.Add(time.Hour)))
	h.awaitState(t, "veh-4", v1.StateAwaitingImport)
	require.True(t, h.validate(t, "veh-4", v1.ControlFailed))

	require.Eventually(t, func() bool {
		inv, err := h.host.Get(context.Background(), id)
		return err == nil && inv.Status == durable.StatusFailed
	}, waitFor, tick)
	inv, err := h.host.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.Attempts, "terminal failures are not retried")
	assert.Contains(t, inv.Failure, ErrValidationFailed.Error())

	st := h.state(t, "veh-4")
	assert.Equal(t, v1.StateAwaitingImport, st.ControlState)
	assert.NotEmpty(t, st.OutstandingToken, "cancellation token is left behind")

	// A repeated command is published again and may now succeed.
	var res v1.HandleResult
	h.invoke(t, core.HandlerImport, "veh-4", importCmd("veh-4", epoch.Add(time.Hour)), &res)
	assert.Equal(t, v1.OutcomeAccepted, res.Outcome)
	assert.Len(t, h.pub.instructions(), 2)
	require.True(t, h.validate(t, "veh-4", v1.StartChargeOK))
	h.awaitState(t, "veh-4", v1.StateImport)
}

func TestValidationWinsWhenResolvedFirst(t *testing.T) {
	h := newHarness(t, nil)

	h.invoke(t, core.HandlerImport, "veh-5", importCmd("veh-5", epoch.Add(time.Hour)), &v1.HandleResult{})
	h.awaitState(t, "veh-5", v1.StateAwaitingImport)

	require.True(t, h.validate(t, "veh-5", v1.StartChargeOK))
	var res v1.ResolveResult
	h.invoke(t, core.HandlerCancel, "veh-5", nil, &res)

	h.awaitState(t, "veh-5", v1.StateImport)
	assert.Len(t, h.pub.instructions(), 1, "no idle follows a lost cancellation")
}

func TestPublishIsRetried(t *testing.T) {
	h := newHarness(t, &recorder{failures: 2})

	imp := h.submit(t, core.HandlerImport, "veh-6", importCmd("veh-6", epoch.Add(time.Hour)))

	// Retry backoff runs on the host clock.
	require.Eventually(t, func() bool {
		h.clock.Step(10 * time.Millisecond)
		return len(h.pub.instructions()) == 1
	}, waitFor, tick)
	h.awaitState(t, "veh-6", v1.StateAwaitingImport)

	inv, err := h.host.Get(context.Background(), imp)
	require.NoError(t, err)
	assert.Equal(t, 3, inv.Attempts)
	assert.Len(t, h.pub.instructions(), 1)
}

func TestImportWhileImportingReschedulesEnd(t *testing.T) {
	h := newHarness(t, nil)

	id := h.submit(t, core.HandlerImport, "veh-10", importCmd("veh-10", epoch.Add(time.Hour)))
	h.awaitState(t, "veh-10", v1.StateAwaitingImport)
	require.True(t, h.validate(t, "veh-10", v1.StartChargeOK))
	require.Eventually(t, h.clock.HasWaiters, waitFor, tick)

	var cancelled v1.ResolveResult
	h.invoke(t, core.HandlerCancel, "veh-10", nil, &cancelled)
	require.True(t, cancelled.Resolved)
	require.Equal(t, v1.OutcomeCancelled, h.final(t, id).Outcome)
	require.False(t, h.clock.HasWaiters())

	var res v1.HandleResult
	h.invoke(t, core.HandlerImport, "veh-10", importCmd("veh-10", epoch.Add(2*time.Hour)), &res)
	assert.Equal(t, v1.OutcomeAlreadyInState, res.Outcome)
	assert.NotEmpty(t, res.CancellationToken)
	assert.Len(t, h.pub.instructions(), 1, "an importing device is not instructed again")
	assert.Equal(t, res.CancellationToken, h.state(t, "veh-10").OutstandingToken)
	require.Eventually(t, h.clock.HasWaiters, waitFor, tick)

	h.clock.Step(time.Hour + 59*time.Minute)
	assert.Never(t, func() bool { return len(h.pub.instructions()) > 1 }, 100*time.Millisecond, tick)

	h.clock.Step(time.Minute)
	require.Eventually(t, func() bool { return len(h.pub.instructions()) == 2 }, waitFor, tick)
	assert.Equal(t, v1.ControlIdle, h.pub.instructions()[1].Type)
	h.awaitState(t, "veh-10", v1.StateAwaitingIdle)
}

func TestRejectsMisaddressedCommand(t *testing.T) {
	h := newHarness(t, nil)

	err := h.host.Invoke(context.Background(), durable.Request{
		Service: core.DeviceService,
		Handler: core.HandlerImport,
		Key:     "veh-7",
		Input:   importCmd("veh-8", epoch.Add(time.Hour)),
	}, nil)
	require.Error(t, err)

	cmd := importCmd("veh-7", epoch)
	cmd.EndTime = nil
	err = h.host.Invoke(context.Background(), durable.Request{
		Service: core.DeviceService,
		Handler: core.HandlerImport,
		Key:     "veh-7",
		Input:   cmd,
	}, nil)
	require.Error(t, err)
	assert.Empty(t, h.pub.instructions())
}

func TestExportIsRecordedOnly(t *testing.T) {
	h := newHarness(t, nil)

	var res v1.HandleResult
	h.invoke(t, core.HandlerExport, "veh-9", v1.ControlCommand{Type: v1.ControlExport, DeviceID: "veh-9"}, &res)
	assert.Equal(t, v1.OutcomeNotImplemented, res.Outcome)
	assert.Empty(t, h.pub.instructions())

	st := h.state(t, "veh-9")
	assert.Equal(t, v1.StateIdle, st.ControlState)
	require.NotNil(t, st.CurrentCommand)
	assert.Equal(t, v1.ControlExport, st.CurrentCommand.Type)
}

func TestImportDelay(t *testing.T) {
	cases := []struct {
		name string
		end  time.Time
		want time.Duration
	}{
		{"future", epoch.Add(90 * time.Second), 90 * time.Second},
		{"floored", epoch.Add(1500 * time.Millisecond), time.Second},
		{"past", epoch.Add(-time.Minute), 0},
		{"now", epoch, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ImportDelay(epoch, tc.end))
		})
	}
}
