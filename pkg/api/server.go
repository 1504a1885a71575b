package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/branchline/branchline/pkg/credstore"
	"github.com/branchline/branchline/pkg/log"
	"github.com/branchline/branchline/pkg/metrics"
	"github.com/branchline/branchline/pkg/publisher"
	"github.com/branchline/branchline/pkg/types"
)

// Fleet is the slice of the supervisor the dashboard API needs.
type Fleet interface {
	FleetStatus() types.FleetStatus
	RequestNewPairing(branchID string) error
	DisconnectBranch(branchID string) error
	ReconnectBranch(branchID string) error
	BackupBranch(branchID string) error
	HealthRecord(branchID string) (types.HealthRecord, error)
	HealthHistory(branchID string) ([]types.HealthRecord, error)
}

// Server is the read-mostly HTTP boundary for dashboards and operators.
// Reads come from in-memory snapshots; the only writes are the explicit
// branch commands, which go through the fleet supervisor.
type Server struct {
	fleet  Fleet
	store  credstore.Store
	broker *publisher.Broker
	logger zerolog.Logger

	http *http.Server
}

// NewServer builds the API server. The caller owns the listener lifecycle
// via Start and Shutdown.
func NewServer(addr string, fleet Fleet, store credstore.Store, broker *publisher.Broker) *Server {
	s := &Server{
		fleet:  fleet,
		store:  store,
		broker: broker,
		logger: log.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the route tree. Split out so tests can drive handlers
// through httptest without a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/fleet/status", s.handleFleetStatus)
		r.Get("/fleet/events", s.handleFleetEvents)

		r.Route("/branches/{branchID}", func(r chi.Router) {
			r.Get("/health", s.handleBranchHealth)
			r.Get("/backups", s.handleListBackups)
			r.Post("/pairing", s.command(s.fleet.RequestNewPairing))
			r.Post("/disconnect", s.command(s.fleet.DisconnectBranch))
			r.Post("/reconnect", s.command(s.fleet.ReconnectBranch))
			r.Post("/backup", s.command(s.fleet.BackupBranch))
			r.Post("/restore", s.handleRestore)
		})
	})

	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("api listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
