// Package dispatch routes service calls to their target entities: locally
// registered entities (groups) handle their own calls, everything else is
// forwarded in bulk to the domain's fallback handler (the MQTT bridge).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/daenny/climate-group/internal/metrics"
)

var (
	// ErrNoTargets is returned when a call carries no entity ids.
	ErrNoTargets = errors.New("service call has no targets")
	// ErrNoHandler is returned when no handler exists for a call's targets.
	ErrNoHandler = errors.New("no handler for service call targets")
	// ErrDuplicateEntity is returned when an entity id is registered twice.
	ErrDuplicateEntity = errors.New("entity already registered")
)

// Call is one command dispatched through the bus.
type Call struct {
	Domain  string
	Service string
	Data    map[string]any
}

// EntityIDs returns the call's targets from the entity_id data key, which
// may hold a single id or a list.
func (c Call) EntityIDs() []string {
	switch v := c.Data["entity_id"].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		ids := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	default:
		return nil
	}
}

// Handler executes a command for the given target entity ids.
type Handler func(ctx context.Context, call Call, targets []string) error

// Bus is the service call router. Calls block until every invoked handler
// returns, giving callers synchronous completion semantics.
type Bus struct {
	mu       sync.RWMutex
	entities map[string]Handler
	fallback map[string]Handler

	mets *metrics.Metrics
}

// New creates an empty bus. mets may be nil.
func New(mets *metrics.Metrics) *Bus {
	return &Bus{
		entities: make(map[string]Handler),
		fallback: make(map[string]Handler),
		mets:     mets,
	}
}

// RegisterEntity attaches a handler for calls targeting one local entity.
// The returned release func is idempotent.
func (b *Bus) RegisterEntity(entityID string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entities[entityID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEntity, entityID)
	}
	b.entities[entityID] = h

	var once sync.Once
	release := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.entities, entityID)
			b.mu.Unlock()
		})
	}
	return release, nil
}

// RegisterFallback attaches the bulk handler for a domain's non-local targets.
func (b *Bus) RegisterFallback(domain string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fallback[domain] = h
}

// Call routes one command and blocks until all handlers complete. Local
// targets are invoked individually; remaining targets go to the domain
// fallback as a single bulk invocation.
func (b *Bus) Call(ctx context.Context, call Call) error {
	targets := call.EntityIDs()
	if len(targets) == 0 {
		return ErrNoTargets
	}

	if b.mets != nil {
		b.mets.ServiceCalls.WithLabelValues(call.Domain, call.Service).Inc()
	}

	b.mu.RLock()
	var local []struct {
		id string
		h  Handler
	}
	var remote []string
	for _, id := range targets {
		if h, ok := b.entities[id]; ok {
			local = append(local, struct {
				id string
				h  Handler
			}{id, h})
		} else {
			remote = append(remote, id)
		}
	}
	forward := b.fallback[call.Domain]
	b.mu.RUnlock()

	if len(local) == 0 && forward == nil {
		return fmt.Errorf("%w: %s.%s", ErrNoHandler, call.Domain, call.Service)
	}

	log.Debug().
		Str("domain", call.Domain).
		Str("service", call.Service).
		Int("local", len(local)).
		Int("remote", len(remote)).
		Msg("Dispatching service call")

	var errs []error
	for _, lt := range local {
		if err := lt.h(ctx, call, []string{lt.id}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", lt.id, err))
		}
	}
	if len(remote) > 0 {
		if forward == nil {
			errs = append(errs, fmt.Errorf("%w: %s.%s for %v", ErrNoHandler, call.Domain, call.Service, remote))
		} else if err := forward(ctx, call, remote); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil && b.mets != nil {
		b.mets.ServiceCallErrors.WithLabelValues(call.Domain, call.Service).Inc()
	}
	return err
}
