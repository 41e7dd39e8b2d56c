package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/daenny/climate-group/internal/config"
	"github.com/daenny/climate-group/internal/registry"
)

// HealthService provides the HTTP observability surface: liveness,
// readiness, group status and prometheus metrics.
type HealthService struct {
	cfg      *config.Config
	services *Services
	server   *http.Server
}

// NewHealthService creates a new HealthService.
func NewHealthService(cfg *config.Config, services *Services) *HealthService {
	return &HealthService{
		cfg:      cfg,
		services: services,
	}
}

// Start begins the health check server if enabled.
func (s *HealthService) Start(ctx context.Context) {
	if !s.cfg.Healthcheck.Enabled {
		return
	}

	go s.run(ctx)
}

func (s *HealthService) run(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Healthcheck.Host, s.cfg.Healthcheck.Port)

	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check endpoint: ready once the broker connection is up
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !s.services.Bridge.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not_ready"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", s.services.Metrics.Handler())

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	log.Info().Str("addr", addr).Msg("Starting health check server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Health check server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health check server error")
	}
}

// groupStatus is one group's row in the /status response.
type groupStatus struct {
	EntityID string             `json:"entity_id"`
	Name     string             `json:"name"`
	Members  []string           `json:"members"`
	Snapshot *registry.Snapshot `json:"snapshot,omitempty"`
}

func (s *HealthService) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make([]groupStatus, 0, len(s.services.Groups))
	for _, g := range s.services.Groups {
		st := groupStatus{
			EntityID: g.EntityID(),
			Name:     g.Name(),
			Members:  g.Members(),
		}
		if snap, ok := s.services.Registry.Get(g.EntityID()); ok {
			st.Snapshot = &snap
		}
		statuses = append(statuses, st)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		log.Error().Err(err).Msg("Failed to encode status response")
	}
}
