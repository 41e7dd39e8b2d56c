package registry

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, store *Store) *Registry {
	t.Helper()

	r, err := New(16, store, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Close(ctx)
	})
	return r
}

type delivery struct {
	entityID string
	oldState *Snapshot
	newState *Snapshot
}

func TestRegistrySetAndGet(t *testing.T) {
	r := newTestRegistry(t, nil)

	if _, ok := r.Get("climate.living"); ok {
		t.Fatal("Get() on empty registry should report absence")
	}

	err := r.Set("climate.living", "heat", map[string]any{"temperature": 21.0})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	snap, ok := r.Get("climate.living")
	if !ok {
		t.Fatal("Get() should find the entity after Set()")
	}
	if snap.State != "heat" {
		t.Errorf("State = %q, want %q", snap.State, "heat")
	}
	if snap.ContextID == "" {
		t.Error("ContextID should be stamped on every snapshot")
	}

	var attrs map[string]float64
	if err := json.Unmarshal(snap.Attributes, &attrs); err != nil {
		t.Fatalf("attributes did not round-trip: %v", err)
	}
	if attrs["temperature"] != 21.0 {
		t.Errorf("temperature = %v, want 21.0", attrs["temperature"])
	}
}

func TestRegistrySubscribeDelivery(t *testing.T) {
	r := newTestRegistry(t, nil)

	got := make(chan delivery, 4)
	r.Subscribe([]string{"climate.a"}, func(entityID string, oldState, newState *Snapshot) {
		got <- delivery{entityID, oldState, newState}
	})

	if err := r.Set("climate.a", "heat", nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	d := waitDelivery(t, got)
	if d.entityID != "climate.a" {
		t.Errorf("entityID = %q, want %q", d.entityID, "climate.a")
	}
	if d.oldState != nil {
		t.Errorf("oldState = %+v, want nil on first sighting", d.oldState)
	}
	if d.newState == nil || d.newState.State != "heat" {
		t.Errorf("newState = %+v, want state heat", d.newState)
	}

	if err := r.Set("climate.a", "off", nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	d = waitDelivery(t, got)
	if d.oldState == nil || d.oldState.State != "heat" {
		t.Errorf("oldState = %+v, want previous snapshot with state heat", d.oldState)
	}
	if d.newState == nil || d.newState.State != "off" {
		t.Errorf("newState = %+v, want state off", d.newState)
	}
}

func TestRegistrySubscribeFiltersEntities(t *testing.T) {
	r := newTestRegistry(t, nil)

	got := make(chan delivery, 4)
	r.Subscribe([]string{"climate.a"}, func(entityID string, oldState, newState *Snapshot) {
		got <- delivery{entityID, oldState, newState}
	})

	if err := r.Set("climate.b", "cool", nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := r.Set("climate.a", "heat", nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Only climate.a reaches the handler; climate.b was dispatched first and
	// would have arrived first if it were delivered at all.
	d := waitDelivery(t, got)
	if d.entityID != "climate.a" {
		t.Errorf("entityID = %q, want climate.a only", d.entityID)
	}
	select {
	case d := <-got:
		t.Errorf("unexpected extra delivery for %q", d.entityID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistryUnsubscribeIdempotent(t *testing.T) {
	r := newTestRegistry(t, nil)

	got := make(chan delivery, 4)
	unsub := r.Subscribe([]string{"climate.a"}, func(entityID string, oldState, newState *Snapshot) {
		got <- delivery{entityID, oldState, newState}
	})

	if err := r.Set("climate.a", "heat", nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	waitDelivery(t, got)

	unsub()
	unsub() // second call must be a no-op

	if err := r.Set("climate.a", "off", nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	select {
	case d := <-got:
		t.Errorf("delivery after unsubscribe: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistryAllSorted(t *testing.T) {
	r := newTestRegistry(t, nil)

	for _, id := range []string{"climate.c", "climate.a", "sensor.b"} {
		if err := r.Set(id, "x", nil); err != nil {
			t.Fatalf("Set(%q) error = %v", id, err)
		}
	}

	snaps := r.All()
	if len(snaps) != 3 {
		t.Fatalf("All() returned %d snapshots, want 3", len(snaps))
	}
	want := []string{"climate.a", "climate.c", "sensor.b"}
	for i, snap := range snaps {
		if snap.EntityID != want[i] {
			t.Errorf("All()[%d] = %q, want %q", i, snap.EntityID, want[i])
		}
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")

	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	snap := Snapshot{
		EntityID:    "climate.living",
		State:       "heat",
		Attributes:  json.RawMessage(`{"temperature":21}`),
		LastUpdated: time.Now().UTC().Truncate(time.Second),
		ContextID:   "ctx-1",
	}
	if err := store.Save(snap); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Overwrite keeps one row per entity.
	snap.State = "cool"
	if err := store.Save(snap); err != nil {
		t.Fatalf("Save() overwrite error = %v", err)
	}

	snaps, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("LoadAll() returned %d snapshots, want 1", len(snaps))
	}
	if snaps[0].State != "cool" {
		t.Errorf("State = %q, want %q", snaps[0].State, "cool")
	}
	if string(snaps[0].Attributes) != `{"temperature":21}` {
		t.Errorf("Attributes = %s, want original payload", snaps[0].Attributes)
	}

	if err := store.Delete("climate.living"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	snaps, err = store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() after delete error = %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("LoadAll() after delete returned %d snapshots, want 0", len(snaps))
	}
}

func TestStoreClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")

	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	for _, id := range []string{"climate.a", "climate.b", "sensor.c"} {
		snap := Snapshot{EntityID: id, State: "x", LastUpdated: time.Now().UTC()}
		if err := store.Save(snap); err != nil {
			t.Fatalf("Save(%q) error = %v", id, err)
		}
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	snaps, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() after clear error = %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("LoadAll() after clear returned %d snapshots, want 0", len(snaps))
	}
}

func TestRegistryRestoresFromStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")

	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	seed := Snapshot{
		EntityID:    "climate.bedroom",
		State:       "off",
		LastUpdated: time.Now().UTC(),
	}
	if err := store.Save(seed); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	r := newTestRegistry(t, store)
	snap, ok := r.Get("climate.bedroom")
	if !ok {
		t.Fatal("restored entity should be present")
	}
	if snap.State != "off" {
		t.Errorf("State = %q, want %q", snap.State, "off")
	}
}

func waitDelivery(t *testing.T, got chan delivery) delivery {
	t.Helper()

	select {
	case d := <-got:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change delivery")
		return delivery{}
	}
}
