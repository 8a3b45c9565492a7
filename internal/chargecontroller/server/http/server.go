package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core/service"
	"github.com/autopeer-io/chargepeer/internal/pkg/metrics"
	middleware "github.com/autopeer-io/chargepeer/internal/pkg/middleware/http"
	"github.com/autopeer-io/chargepeer/pkg/log"
	"github.com/autopeer-io/chargepeer/pkg/options"
)

// ReadyFunc reports whether the process can serve traffic.
type ReadyFunc func() bool

type Server struct {
	server  *http.Server
	options *options.HttpOptions
}

// NewServer creates the API server. ready may be nil.
func NewServer(opts *options.HttpOptions, svc *service.Service, ready ReadyFunc) *Server {
	return &Server{
		server: &http.Server{
			Addr:              opts.Addr,
			Handler:           NewRouter(svc, ready, opts.Timeout),
			ReadHeaderTimeout: opts.Timeout,
		},
		options: opts,
	}
}

// NewRouter returns the handler serving the charge control API, the probes
// and the metrics.
func NewRouter(svc *service.Service, ready ReadyFunc, timeout time.Duration) http.Handler {
	h := &handler{svc: svc}
	r := mux.NewRouter()

	// Basic Liveness Probe
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(middleware.Logging(log.WithName("http")), middleware.Timeout(timeout))
	api.HandleFunc("/commands", h.submitCommand).Methods(http.MethodPost)
	api.HandleFunc("/power-events", h.submitPowerEvent).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/validate", h.validate).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/cancel", h.cancel).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/state", h.deviceState).Methods(http.MethodGet)
	api.HandleFunc("/tokens/{token}/resolve", h.resolveToken).Methods(http.MethodPost)
	api.HandleFunc("/registry/{key}", h.registry).Methods(http.MethodGet)
	api.HandleFunc("/invocations/{id}", h.invocation).Methods(http.MethodGet)

	return r
}

func (s *Server) Start(ctx context.Context) error {
	log.Info("Starting HTTP Server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.options.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
