// Package group implements the climate group aggregator: it collapses the
// snapshots of its member devices into one published state and fans group
// commands back out to every member.
package group

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/daenny/climate-group/internal/climate"
	"github.com/daenny/climate-group/internal/dispatch"
	"github.com/daenny/climate-group/internal/registry"
)

// ErrUnknownService is returned for commands outside the climate surface.
var ErrUnknownService = errors.New("unknown service")

// StateStore is the slice of the registry a group uses: member reads,
// change subscription and publishing its own snapshot.
type StateStore interface {
	Get(entityID string) (registry.Snapshot, bool)
	Set(entityID, state string, attrs any) error
	Subscribe(entityIDs []string, h registry.Handler) func()
}

// ServiceBus dispatches bulk commands and hosts the group's own service
// surface.
type ServiceBus interface {
	Call(ctx context.Context, call dispatch.Call) error
	RegisterEntity(entityID string, h dispatch.Handler) (func(), error)
}

// Config is the validated construction-time configuration of one group.
type Config struct {
	EntityID        string
	Name            string
	Members         []string
	Sensor          string
	Unit            climate.Unit
	ExcludedPresets []string
}

// Group is one aggregated climate device.
type Group struct {
	entityID string
	name     string
	members  []string
	sensorID string
	unit     climate.Unit
	excluded map[string]struct{}

	store  StateStore
	bus    ServiceBus
	logger zerolog.Logger

	mu          sync.Mutex
	current     State
	sensorTemp  *float64
	unsubscribe func()
	release     func()
}

// New creates a group from validated configuration. The logger is injected
// so the aggregator never touches process-global log state.
func New(cfg Config, store StateStore, bus ServiceBus, logger zerolog.Logger) *Group {
	excluded := make(map[string]struct{}, len(cfg.ExcludedPresets))
	for _, p := range cfg.ExcludedPresets {
		excluded[p] = struct{}{}
	}

	return &Group{
		entityID: cfg.EntityID,
		name:     cfg.Name,
		members:  append([]string(nil), cfg.Members...),
		sensorID: cfg.Sensor,
		unit:     cfg.Unit,
		excluded: excluded,
		store:    store,
		bus:      bus,
		logger:   logger,
	}
}

// EntityID returns the group's own entity id.
func (g *Group) EntityID() string { return g.entityID }

// Name returns the group's friendly name.
func (g *Group) Name() string { return g.name }

// Members returns the configured member ids in fan-out order.
func (g *Group) Members() []string { return append([]string(nil), g.members...) }

// Unit returns the group's temperature unit.
func (g *Group) Unit() climate.Unit { return g.unit }

// Attach registers the group's service surface, subscribes to member and
// sensor changes, seeds the sensor reading and publishes an initial state.
func (g *Group) Attach() error {
	release, err := g.bus.RegisterEntity(g.entityID, g.handleCall)
	if err != nil {
		return fmt.Errorf("failed to register group services: %w", err)
	}
	g.release = release

	ids := make([]string, 0, len(g.members)+1)
	ids = append(ids, g.members...)
	if g.sensorID != "" {
		ids = append(ids, g.sensorID)
	}
	g.unsubscribe = g.store.Subscribe(ids, g.onChange)

	if g.sensorID != "" {
		if snap, ok := g.store.Get(g.sensorID); ok {
			g.applySensor(&snap)
		}
	}

	g.logger.Info().
		Int("members", len(g.members)).
		Str("sensor", g.sensorID).
		Msg("Group attached")

	return g.update()
}

// Detach tears the group down: unsubscribe and service release run exactly
// once, further calls are no-ops.
func (g *Group) Detach() {
	if g.unsubscribe != nil {
		g.unsubscribe()
		g.unsubscribe = nil
	}
	if g.release != nil {
		g.release()
		g.release = nil
	}
	g.logger.Debug().Msg("Group detached")
}

// CurrentState returns the most recently published snapshot.
func (g *Group) CurrentState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// onChange re-runs the reduction on every member or sensor change.
func (g *Group) onChange(entityID string, oldState, newState *registry.Snapshot) {
	if g.sensorID != "" && entityID == g.sensorID {
		g.applySensor(newState)
	}
	if err := g.update(); err != nil {
		g.logger.Error().Err(err).Msg("Failed to republish group state")
	}
}

// applySensor tracks the external temperature sensor. Unavailable or
// non-numeric readings keep the previous value.
func (g *Group) applySensor(snap *registry.Snapshot) {
	if snap == nil {
		return
	}
	if snap.State == climate.StatusUnavailable || snap.State == climate.StatusUnknown {
		return
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(snap.State), 64)
	if err != nil {
		g.logger.Error().
			Str("sensor", g.sensorID).
			Str("state", snap.State).
			Msg("Unable to update temperature from external sensor")
		return
	}

	g.mu.Lock()
	g.sensorTemp = &v
	g.mu.Unlock()
}

// update collects member snapshots, reduces them and publishes the result.
func (g *Group) update() error {
	members := g.collect()
	st := Reduce(members, Options{
		Excluded:               g.excluded,
		SkipCurrentTemperature: g.sensorID != "",
	})

	g.mu.Lock()
	if g.sensorID != "" && g.sensorTemp != nil {
		v := *g.sensorTemp
		st.Attrs.CurrentTemperature = &v
	}
	g.current = st
	g.mu.Unlock()

	return g.publish(st)
}

// collect produces one fresh MemberState per member present in the store;
// absent members are silently dropped.
func (g *Group) collect() []climate.MemberState {
	members := make([]climate.MemberState, 0, len(g.members))
	for _, id := range g.members {
		snap, ok := g.store.Get(id)
		if !ok {
			continue
		}
		attrs, err := climate.ParseAttributes(snap.Attributes)
		if err != nil {
			g.logger.Warn().Err(err).Str("member", id).Msg("Ignoring malformed member attributes")
			attrs = climate.Attributes{}
		}
		members = append(members, climate.MemberState{EntityID: id, Status: snap.State, Attrs: attrs})
	}
	return members
}

// publishedAttributes is the wire shape of the group's attribute payload.
type publishedAttributes struct {
	climate.Attributes
	EntityID     []string `json:"entity_id"`
	FriendlyName string   `json:"friendly_name"`
	AssumedState bool     `json:"assumed_state"`
}

func (g *Group) publish(st State) error {
	status := climate.StatusUnavailable
	if st.Available {
		if st.Mode != nil {
			status = string(*st.Mode)
		} else {
			status = climate.StatusUnknown
		}
	}

	attrs := publishedAttributes{
		Attributes:   st.Attrs,
		EntityID:     g.Members(),
		FriendlyName: g.name,
		AssumedState: st.AssumedState,
	}
	if err := g.store.Set(g.entityID, status, attrs); err != nil {
		return fmt.Errorf("failed to publish group state: %w", err)
	}
	return nil
}

// TemperatureRequest is the variadic parameter set of set_temperature.
type TemperatureRequest struct {
	Temperature    *float64
	TargetTempLow  *float64
	TargetTempHigh *float64
	HVACMode       *climate.Mode
}

// SetTemperature forwards temperature setpoints to every member as one bulk
// command. A mode parameter dispatches as a dedicated set_hvac_mode command
// first, never folded into the temperature payload. Only present setpoint
// parameters are forwarded.
func (g *Group) SetTemperature(ctx context.Context, req TemperatureRequest) error {
	if req.HVACMode != nil {
		if err := g.SetHVACMode(ctx, *req.HVACMode); err != nil {
			return err
		}
	}

	data := g.targetData()
	params := 0
	if req.Temperature != nil {
		data[climate.KeyTemperature] = *req.Temperature
		params++
	}
	if req.TargetTempLow != nil {
		data[climate.KeyTargetTempLow] = *req.TargetTempLow
		params++
	}
	if req.TargetTempHigh != nil {
		data[climate.KeyTargetTempHi] = *req.TargetTempHigh
		params++
	}
	if params == 0 {
		return nil
	}
	return g.call(ctx, climate.ServiceSetTemperature, data)
}

// SetHVACMode forwards a mode change to every member.
func (g *Group) SetHVACMode(ctx context.Context, mode climate.Mode) error {
	data := g.targetData()
	data[climate.KeyHVACMode] = string(mode)
	return g.call(ctx, climate.ServiceSetHVACMode, data)
}

// SetFanMode forwards a fan mode change to every member.
func (g *Group) SetFanMode(ctx context.Context, fanMode string) error {
	data := g.targetData()
	data[climate.KeyFanMode] = fanMode
	return g.call(ctx, climate.ServiceSetFanMode, data)
}

// SetSwingMode forwards a swing mode change to every member.
func (g *Group) SetSwingMode(ctx context.Context, swingMode string) error {
	data := g.targetData()
	data[climate.KeySwingMode] = swingMode
	return g.call(ctx, climate.ServiceSetSwingMode, data)
}

// SetPresetMode forwards a preset change to every member.
func (g *Group) SetPresetMode(ctx context.Context, presetMode string) error {
	data := g.targetData()
	data[climate.KeyPresetMode] = presetMode
	return g.call(ctx, climate.ServiceSetPresetMode, data)
}

func (g *Group) targetData() map[string]any {
	return map[string]any{climate.KeyEntityID: g.Members()}
}

// call dispatches one bulk command and blocks until it completes. Member
// failures surface in the returned error; local state is never touched, the
// resulting member change events re-trigger the reduction.
func (g *Group) call(ctx context.Context, service string, data map[string]any) error {
	g.logger.Debug().Str("service", service).Msg("Forwarding command to members")
	return g.bus.Call(ctx, dispatch.Call{Domain: climate.Domain, Service: service, Data: data})
}

// handleCall is the group's service surface on the dispatch bus.
func (g *Group) handleCall(ctx context.Context, call dispatch.Call, _ []string) error {
	switch call.Service {
	case climate.ServiceSetTemperature:
		req, err := temperatureRequest(call.Data)
		if err != nil {
			return err
		}
		return g.SetTemperature(ctx, req)

	case climate.ServiceSetHVACMode, climate.ServiceSetOperationMode:
		raw, err := stringParam(call.Data, climate.KeyHVACMode)
		if err != nil {
			return err
		}
		mode, ok := climate.ParseMode(raw)
		if !ok {
			return fmt.Errorf("invalid hvac_mode %q", raw)
		}
		return g.SetHVACMode(ctx, mode)

	case climate.ServiceSetFanMode:
		v, err := stringParam(call.Data, climate.KeyFanMode)
		if err != nil {
			return err
		}
		return g.SetFanMode(ctx, v)

	case climate.ServiceSetSwingMode:
		v, err := stringParam(call.Data, climate.KeySwingMode)
		if err != nil {
			return err
		}
		return g.SetSwingMode(ctx, v)

	case climate.ServiceSetPresetMode:
		v, err := stringParam(call.Data, climate.KeyPresetMode)
		if err != nil {
			return err
		}
		return g.SetPresetMode(ctx, v)

	default:
		return fmt.Errorf("%w: %s", ErrUnknownService, call.Service)
	}
}

func temperatureRequest(data map[string]any) (TemperatureRequest, error) {
	var req TemperatureRequest
	var err error

	if req.Temperature, err = floatParam(data, climate.KeyTemperature); err != nil {
		return req, err
	}
	if req.TargetTempLow, err = floatParam(data, climate.KeyTargetTempLow); err != nil {
		return req, err
	}
	if req.TargetTempHigh, err = floatParam(data, climate.KeyTargetTempHi); err != nil {
		return req, err
	}

	if raw, ok := data[climate.KeyHVACMode]; ok {
		s, ok := raw.(string)
		if !ok {
			return req, fmt.Errorf("hvac_mode must be a string, got %T", raw)
		}
		mode, ok := climate.ParseMode(s)
		if !ok {
			return req, fmt.Errorf("invalid hvac_mode %q", s)
		}
		req.HVACMode = &mode
	}
	return req, nil
}

func floatParam(data map[string]any, key string) (*float64, error) {
	raw, ok := data[key]
	if !ok {
		return nil, nil
	}
	switch v := raw.(type) {
	case float64:
		return &v, nil
	case int:
		f := float64(v)
		return &f, nil
	default:
		return nil, fmt.Errorf("%s must be a number, got %T", key, raw)
	}
}

func stringParam(data map[string]any, key string) (string, error) {
	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("missing %s parameter", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, raw)
	}
	return s, nil
}
