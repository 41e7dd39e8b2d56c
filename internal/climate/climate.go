// Package climate defines the domain model shared by member devices and
// groups: HVAC modes and actions, capability flags, preset names and the
// typed attribute record carried by every climate entity.
package climate

import (
	"fmt"
	"strings"
)

// Domain is the service domain of climate entities.
const Domain = "climate"

// SensorDomain is the domain of external temperature sensors.
const SensorDomain = "sensor"

// Entity states that carry no mode information.
const (
	StatusUnavailable = "unavailable"
	StatusUnknown     = "unknown"
)

// Mode is the operation a climate device is set to perform.
type Mode string

const (
	ModeOff      Mode = "off"
	ModeHeat     Mode = "heat"
	ModeCool     Mode = "cool"
	ModeHeatCool Mode = "heat_cool"
	ModeAuto     Mode = "auto"
	ModeDry      Mode = "dry"
	ModeFanOnly  Mode = "fan_only"
)

// Modes lists every known mode.
var Modes = []Mode{ModeOff, ModeHeat, ModeCool, ModeHeatCool, ModeAuto, ModeDry, ModeFanOnly}

// ParseMode maps an entity state string to a mode. Returns false for
// unavailable/unknown and anything else that is not a mode.
func ParseMode(s string) (Mode, bool) {
	for _, m := range Modes {
		if s == string(m) {
			return m, true
		}
	}
	return "", false
}

// Action is the operation a climate device is performing right now.
type Action string

const (
	ActionOff     Action = "off"
	ActionHeating Action = "heating"
	ActionCooling Action = "cooling"
	ActionDrying  Action = "drying"
	ActionFan     Action = "fan"
	ActionIdle    Action = "idle"
)

// Features is the supported-feature bitmap advertised by climate entities.
type Features uint32

const (
	FeatureTargetTemperature Features = 1 << iota
	FeatureTargetTemperatureRange
	FeatureTargetHumidity
	FeatureFanMode
	FeaturePresetMode
	FeatureSwingMode
	FeatureAuxHeat
)

// GroupFeatureMask is the capability set a group knows how to forward.
// Member bits outside this mask never reach the group's advertised features.
const GroupFeatureMask = FeatureTargetTemperature |
	FeatureTargetTemperatureRange |
	FeaturePresetMode |
	FeatureSwingMode |
	FeatureFanMode

// Service names accepted by climate entities.
const (
	ServiceSetTemperature = "set_temperature"
	ServiceSetHVACMode    = "set_hvac_mode"
	ServiceSetFanMode     = "set_fan_mode"
	ServiceSetSwingMode   = "set_swing_mode"
	ServiceSetPresetMode  = "set_preset_mode"

	// ServiceSetOperationMode is the legacy name for ServiceSetHVACMode.
	// Accepted on input, never emitted.
	ServiceSetOperationMode = "set_operation_mode"
)

// Service payload keys.
const (
	KeyEntityID      = "entity_id"
	KeyTemperature   = "temperature"
	KeyTargetTempLow = "target_temp_low"
	KeyTargetTempHi  = "target_temp_high"
	KeyHVACMode      = "hvac_mode"
	KeyFanMode       = "fan_mode"
	KeySwingMode     = "swing_mode"
	KeyPresetMode    = "preset_mode"
)

// Preset mode values a group may be configured to exclude from reduction.
const (
	PresetActivity = "activity"
	PresetAway     = "away"
	PresetBoost    = "boost"
	PresetComfort  = "comfort"
	PresetEco      = "eco"
	PresetHome     = "home"
	PresetSleep    = "sleep"
)

// ExcludablePresets lists the preset values accepted in a group's exclusion list.
var ExcludablePresets = []string{
	PresetActivity, PresetAway, PresetBoost, PresetComfort, PresetEco, PresetHome, PresetSleep,
}

// Unit is a temperature unit.
type Unit string

const (
	Celsius    Unit = "°C"
	Fahrenheit Unit = "°F"
)

// ParseUnit normalizes a configured unit string. Empty input defaults to Celsius.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "c", "°c", "celsius":
		return Celsius, nil
	case "f", "°f", "fahrenheit":
		return Fahrenheit, nil
	default:
		return "", fmt.Errorf("unknown temperature unit %q", s)
	}
}

// EntityDomain returns the part of an entity id before the first dot.
func EntityDomain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return ""
}
