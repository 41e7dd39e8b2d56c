package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/daenny/climate-group/internal/climate"
	"github.com/daenny/climate-group/internal/config"
	"github.com/daenny/climate-group/internal/dispatch"
	"github.com/daenny/climate-group/internal/group"
	"github.com/daenny/climate-group/internal/metrics"
	"github.com/daenny/climate-group/internal/mqtt"
	"github.com/daenny/climate-group/internal/registry"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	Store    *registry.Store
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Bus      *dispatch.Bus

	// Edge and aggregation
	Bridge *mqtt.Bridge
	Groups []*group.Group

	Health *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Snapshot persistence
	store, err := registry.OpenStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	s.Store = store

	s.Metrics = metrics.New()

	// State registry, restoring persisted snapshots
	reg, err := registry.New(cfg.Registry.GetQueueSize(), store, s.Metrics)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Registry = reg

	// Service dispatch bus
	s.Bus = dispatch.New(s.Metrics)

	// One aggregator per configured group
	for _, gc := range cfg.Groups {
		g := group.New(group.Config{
			EntityID:        gc.ID,
			Name:            gc.Name,
			Members:         gc.Entities,
			Sensor:          gc.ExternalSensor,
			Unit:            gc.Unit(),
			ExcludedPresets: gc.Exclude,
		}, s.Registry, s.Bus, log.With().Str("group", gc.ID).Logger())
		s.Groups = append(s.Groups, g)
	}

	// MQTT bridge routes: each group's command topic plus the state topics
	// of everything it watches
	routes := make([]mqtt.Route, 0, len(cfg.Groups))
	for _, gc := range cfg.Groups {
		watch := append([]string(nil), gc.Entities...)
		if gc.ExternalSensor != "" {
			watch = append(watch, gc.ExternalSensor)
		}
		routes = append(routes, mqtt.Route{
			GroupID:  gc.ID,
			Name:     gc.Name,
			ObjectID: strings.TrimPrefix(gc.ID, climate.Domain+"."),
			Unit:     gc.Unit(),
			Watch:    watch,
		})
	}
	s.Bridge = mqtt.New(mqtt.Options{
		Broker:          cfg.MQTT.Broker,
		ClientID:        cfg.MQTT.ClientID,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		BaseTopic:       cfg.MQTT.BaseTopic,
		ConnectTimeout:  cfg.MQTT.ConnectTimeout.Duration(),
		MinRetryBackoff: cfg.MQTT.MinRetryBackoff.Duration(),
		MaxRetryBackoff: cfg.MQTT.MaxRetryBackoff.Duration(),
		RateLimitRPS:    cfg.MQTT.RateLimitRPS,
		Discovery: mqtt.Discovery{
			Enabled: cfg.MQTT.Discovery.Enabled,
			Prefix:  cfg.MQTT.Discovery.Prefix,
			NodeID:  cfg.MQTT.Discovery.NodeID,
		},
	}, routes, s.Registry, s.Bus, s.Metrics)

	// Commands for non-local climate entities leave through the bridge
	s.Bus.RegisterFallback(climate.Domain, s.Bridge.ForwardCommands)

	s.Health = NewHealthService(cfg, s)

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	// Broker first: groups publish their initial state through it
	if err := s.Bridge.Start(ctx); err != nil {
		return err
	}

	for _, g := range s.Groups {
		if err := g.Attach(); err != nil {
			return fmt.Errorf("failed to attach group %s: %w", g.EntityID(), err)
		}
	}

	s.Health.Start(ctx)

	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources in reverse dependency order.
func (s *Services) Close() {
	for _, g := range s.Groups {
		g.Detach()
	}
	if s.Bridge != nil {
		s.Bridge.Stop()
	}
	if s.Registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Registry.Close(ctx)
	}
	if s.Store != nil {
		s.Store.Close()
	}
}
