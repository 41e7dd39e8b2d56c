// Package registry holds the latest snapshot of every entity the daemon
// knows about and fans out change notifications. It is domain-agnostic:
// attribute payloads stay raw JSON and are interpreted by consumers.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/daenny/climate-group/internal/climate"
	"github.com/daenny/climate-group/internal/metrics"
)

// DefaultQueueSize bounds the change dispatch queue.
const DefaultQueueSize = 256

// Snapshot is the latest reported state of one entity.
type Snapshot struct {
	EntityID    string          `json:"entity_id"`
	State       string          `json:"state"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
	LastUpdated time.Time       `json:"last_updated"`
	ContextID   string          `json:"context_id,omitempty"`
}

// Handler receives entity changes. oldState is nil on an entity's first
// sighting. Handlers run on the registry's single dispatcher goroutine, so
// no two handlers ever execute in parallel.
type Handler func(entityID string, oldState, newState *Snapshot)

type change struct {
	entityID string
	oldState *Snapshot
	newState *Snapshot
}

type subscription struct {
	ids     map[string]struct{}
	handler Handler
}

// Registry is the entity state store plus its change dispatcher.
type Registry struct {
	mu     sync.RWMutex
	states map[string]Snapshot
	subs   map[int]*subscription
	nextID int

	queue chan change
	wg    sync.WaitGroup

	closing   chan struct{}
	closeOnce sync.Once

	store *Store
	mets  *metrics.Metrics
}

// New creates a registry with the dispatcher running. store and mets may be
// nil; with a store, persisted snapshots are restored without notifications.
func New(queueSize int, store *Store, mets *metrics.Metrics) (*Registry, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	r := &Registry{
		states:  make(map[string]Snapshot),
		subs:    make(map[int]*subscription),
		queue:   make(chan change, queueSize),
		closing: make(chan struct{}),
		store:   store,
		mets:    mets,
	}

	if store != nil {
		snaps, err := store.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to restore snapshots: %w", err)
		}
		for _, snap := range snaps {
			r.states[snap.EntityID] = snap
		}
		if len(snaps) > 0 {
			log.Info().Int("entities", len(snaps)).Msg("Restored entity snapshots")
		}
	}

	r.wg.Add(1)
	go r.dispatch()

	log.Debug().Int("queue_size", queueSize).Msg("State registry dispatcher started")
	return r, nil
}

// Get returns the current snapshot for an entity.
func (r *Registry) Get(entityID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap, ok := r.states[entityID]
	return snap, ok
}

// All returns every snapshot ordered by entity id.
func (r *Registry) All() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(r.states))
	for _, snap := range r.states {
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].EntityID < snaps[j].EntityID })
	return snaps
}

// Set replaces an entity's snapshot and notifies subscribers. attrs may be a
// json.RawMessage, any marshalable value, or nil.
func (r *Registry) Set(entityID, state string, attrs any) error {
	raw, err := marshalAttrs(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes for %s: %w", entityID, err)
	}

	snap := Snapshot{
		EntityID:    entityID,
		State:       state,
		Attributes:  raw,
		LastUpdated: time.Now().UTC(),
		ContextID:   uuid.NewString(),
	}

	r.mu.Lock()
	var oldState *Snapshot
	if prev, ok := r.states[entityID]; ok {
		prevCopy := prev
		oldState = &prevCopy
	}
	r.states[entityID] = snap
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Save(snap); err != nil {
			log.Warn().Err(err).Str("entity_id", entityID).Msg("Failed to persist snapshot")
		}
	}
	if r.mets != nil {
		r.mets.SnapshotUpdates.WithLabelValues(climate.EntityDomain(entityID)).Inc()
	}

	newCopy := snap
	r.publish(change{entityID: entityID, oldState: oldState, newState: &newCopy})
	return nil
}

// publish enqueues a change for the dispatcher. Non-blocking: if the queue is
// full or the registry is closing, the change is dropped with a warning.
func (r *Registry) publish(ch change) {
	select {
	case <-r.closing:
		log.Warn().Str("entity_id", ch.entityID).Msg("Registry closing, dropping change")
		return
	case r.queue <- ch:
	default:
		log.Warn().Str("entity_id", ch.entityID).Msg("Registry queue full, dropping change")
		if r.mets != nil {
			r.mets.EventsDropped.Inc()
		}
	}
}

// dispatch delivers changes to matching subscribers, serialized on one goroutine.
func (r *Registry) dispatch() {
	defer r.wg.Done()

	for ch := range r.queue {
		r.mu.RLock()
		var handlers []Handler
		for _, sub := range r.subs {
			if _, ok := sub.ids[ch.entityID]; ok {
				handlers = append(handlers, sub.handler)
			}
		}
		r.mu.RUnlock()

		for _, h := range handlers {
			r.deliver(h, ch)
		}
	}
}

func (r *Registry) deliver(h Handler, ch change) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("entity_id", ch.entityID).
				Msg("Change handler panicked")
		}
	}()
	h(ch.entityID, ch.oldState, ch.newState)
}

// Subscribe registers a handler for changes to any of the given entity ids.
// The returned unsubscribe func is idempotent and safe to call exactly once
// or many times.
func (r *Registry) Subscribe(entityIDs []string, h Handler) func() {
	set := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		set[id] = struct{}{}
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = &subscription{ids: set, handler: h}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Close stops the dispatcher, waiting for queued changes up to ctx's deadline.
func (r *Registry) Close(ctx context.Context) {
	r.closeOnce.Do(func() {
		close(r.closing)
	})

	close(r.queue)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Registry dispatcher stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Registry shutdown timed out, some changes may be lost")
	}
}

func marshalAttrs(attrs any) (json.RawMessage, error) {
	switch v := attrs.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
