package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/relay"
	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/service"
	"github.com/autopeer-io/chargepeer/internal/pkg/durable"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
	"github.com/autopeer-io/chargepeer/pkg/log"
)

// HeaderIdempotencyKey deduplicates command submissions.
const HeaderIdempotencyKey = "Idempotency-Key"

// maxBody caps request bodies.
const maxBody = 1 << 20

var errBadRequest = errors.New("bad request")

type handler struct {
	svc *service.Service
}

func (h *handler) submitCommand(w http.ResponseWriter, r *http.Request) {
	var cmd v1.ControlCommand
	if err := decode(w, r, &cmd); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := h.svc.SubmitCommand(r.Context(), cmd, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, v1.SubmitResponse{InvocationID: id})
}

func (h *handler) submitPowerEvent(w http.ResponseWriter, r *http.Request) {
	var event v1.PowerEvent
	if err := decode(w, r, &event); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := h.svc.SubmitPowerEvent(r.Context(), event, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, v1.SubmitResponse{InvocationID: id})
}

func (h *handler) validate(w http.ResponseWriter, r *http.Request) {
	var event v1.ValidationEvent
	if err := decode(w, r, &event); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.Validate(r.Context(), mux.Vars(r)["id"], event)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) deviceState(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.DeviceState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) resolveToken(w http.ResponseWriter, r *http.Request) {
	var req v1.ResolveRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.ResolveToken(r.Context(), mux.Vars(r)["token"], req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) registry(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Registry(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) invocation(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Invocation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, durable.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, v1.ErrInvalidCommand),
		errors.Is(err, v1.ErrInvalidPower),
		errors.Is(err, relay.ErrDeviceMismatch),
		errors.Is(err, relay.ErrMissingKind),
		errors.Is(err, relay.ErrEmptyResolution):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.FromContext(r.Context()).Error(err, "Request failed")
	}
	writeJSON(w, status, v1.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
