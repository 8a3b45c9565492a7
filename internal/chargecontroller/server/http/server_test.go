package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
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
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, v1.Instruction) error { return nil }

func newTestServer(t *testing.T, ready ReadyFunc) *httptest.Server {
	t.Helper()
	host := durable.NewHost(durable.NewMemoryStore(), durable.Options{
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     10 * time.Millisecond,
	})
	host.Register(statemachine.New(nopPublisher{}, statemachine.WithTracking(core.PerDevice)).Service())
	host.Register(coordinator.New().Service())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- host.Start(ctx) }()

	srv := httptest.NewServer(NewRouter(service.New(host, core.PerDevice), ready, time.Second))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		require.NoError(t, <-done)
	})
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, out any, header ...string) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestCommandFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	end := time.Now().Add(time.Hour).UTC()

	var sub v1.SubmitResponse
	code := do(t, srv, http.MethodPost, "/v1/commands",
		v1.ControlCommand{Type: v1.ControlImport, DeviceID: "veh-1", EndTime: &end}, &sub,
		HeaderIdempotencyKey, "cmd-1")
	require.Equal(t, http.StatusAccepted, code)
	require.NotEmpty(t, sub.InvocationID)

	var again v1.SubmitResponse
	do(t, srv, http.MethodPost, "/v1/commands",
		v1.ControlCommand{Type: v1.ControlImport, DeviceID: "veh-1", EndTime: &end}, &again,
		HeaderIdempotencyKey, "cmd-1")
	assert.Equal(t, sub.InvocationID, again.InvocationID)

	require.Eventually(t, func() bool {
		var st v1.InvocationStatus
		return do(t, srv, http.MethodGet, "/v1/invocations/"+sub.InvocationID, nil, &st) == http.StatusOK &&
			st.Result != nil && st.Result.Outcome == v1.OutcomeAccepted
	}, waitFor, tick)

	var st v1.DeviceState
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/v1/devices/veh-1/state", nil, &st))
	assert.Equal(t, v1.StateAwaitingImport, st.ControlState)
	assert.NotEmpty(t, st.OutstandingToken)

	var res v1.ResolveResult
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/v1/devices/veh-1/validate",
		v1.ValidationEvent{Kind: v1.StartChargeOK}, &res))
	assert.True(t, res.Resolved)

	require.Eventually(t, func() bool {
		var st v1.DeviceState
		do(t, srv, http.MethodGet, "/v1/devices/veh-1/state", nil, &st)
		return st.ControlState == v1.StateImport
	}, waitFor, tick)

	var items []v1.DeviceItem
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/v1/registry/veh-1", nil, &items))
	require.Len(t, items, 1)

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/v1/devices/veh-1/cancel", nil, &res))
	assert.True(t, res.Resolved)
}

func TestPowerEventAndTokenResolution(t *testing.T) {
	srv := newTestServer(t, nil)

	var sub v1.SubmitResponse
	require.Equal(t, http.StatusAccepted, do(t, srv, http.MethodPost, "/v1/power-events",
		v1.PowerEvent{DeviceID: "veh-2", Power: 1, End: time.Now().Add(time.Hour)}, &sub))

	var st v1.DeviceState
	require.Eventually(t, func() bool {
		do(t, srv, http.MethodGet, "/v1/devices/veh-2/state", nil, &st)
		return st.ControlState == v1.StateAwaitingImport && st.OutstandingToken != ""
	}, waitFor, tick)

	var res v1.ResolveResult
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/v1/tokens/"+st.OutstandingToken+"/resolve",
		v1.ResolveRequest{Reject: "device offline"}, &res))
	assert.True(t, res.Resolved)

	require.Eventually(t, func() bool {
		var inv v1.InvocationStatus
		do(t, srv, http.MethodGet, "/v1/invocations/"+sub.InvocationID+".1", nil, &inv)
		return inv.Status == string(durable.StatusFailed)
	}, waitFor, tick)
}

func TestErrorStatus(t *testing.T) {
	srv := newTestServer(t, nil)
	var e v1.ErrorResponse

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/v1/power-events",
		v1.PowerEvent{DeviceID: "veh-3", Power: 7}, &e))
	assert.Contains(t, e.Error, "power")

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/v1/commands",
		map[string]any{"type": "IMPORT", "deviceId": "veh-3", "bogus": 1}, &e))

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/v1/devices/veh-3/validate",
		v1.ValidationEvent{DeviceID: "veh-4", Kind: v1.StartChargeOK}, &e))

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/v1/invocations/inv_missing", nil, &e))
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/v1/tokens/nope/resolve",
		v1.ResolveRequest{Reject: "x"}, &e))
}

func TestProbes(t *testing.T) {
	var ready atomic.Bool
	srv := newTestServer(t, ready.Load)

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodGet, "/readyz", nil, nil))
	ready.Store(true)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/readyz", nil, nil))
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/metrics", nil, nil))
}
