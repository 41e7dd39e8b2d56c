package climate

import "encoding/json"

// Attributes is the typed attribute record of a climate entity. Every field
// is optional: nil means the entity does not report that attribute. Unknown
// attributes in wire payloads are dropped on decode.
type Attributes struct {
	CurrentTemperature *float64  `json:"current_temperature,omitempty"`
	Temperature        *float64  `json:"temperature,omitempty"`
	TargetTempLow      *float64  `json:"target_temp_low,omitempty"`
	TargetTempHigh     *float64  `json:"target_temp_high,omitempty"`
	TargetTempStep     *float64  `json:"target_temp_step,omitempty"`
	MinTemp            *float64  `json:"min_temp,omitempty"`
	MaxTemp            *float64  `json:"max_temp,omitempty"`
	HVACAction         *Action   `json:"hvac_action,omitempty"`
	HVACModes          []Mode    `json:"hvac_modes,omitempty"`
	FanMode            *string   `json:"fan_mode,omitempty"`
	FanModes           []string  `json:"fan_modes,omitempty"`
	SwingMode          *string   `json:"swing_mode,omitempty"`
	SwingModes         []string  `json:"swing_modes,omitempty"`
	PresetMode         *string   `json:"preset_mode,omitempty"`
	PresetModes        []string  `json:"preset_modes,omitempty"`
	SupportedFeatures  *Features `json:"supported_features,omitempty"`
}

// ParseAttributes decodes a raw attribute payload into the typed record.
// A nil or empty payload yields an empty record.
func ParseAttributes(raw []byte) (Attributes, error) {
	var a Attributes
	if len(raw) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return Attributes{}, err
	}
	return a, nil
}

// Equal reports whether two attribute records carry the same values.
func (a Attributes) Equal(b Attributes) bool {
	return eqFloat(a.CurrentTemperature, b.CurrentTemperature) &&
		eqFloat(a.Temperature, b.Temperature) &&
		eqFloat(a.TargetTempLow, b.TargetTempLow) &&
		eqFloat(a.TargetTempHigh, b.TargetTempHigh) &&
		eqFloat(a.TargetTempStep, b.TargetTempStep) &&
		eqFloat(a.MinTemp, b.MinTemp) &&
		eqFloat(a.MaxTemp, b.MaxTemp) &&
		eqAction(a.HVACAction, b.HVACAction) &&
		eqModes(a.HVACModes, b.HVACModes) &&
		eqString(a.FanMode, b.FanMode) &&
		eqStrings(a.FanModes, b.FanModes) &&
		eqString(a.SwingMode, b.SwingMode) &&
		eqStrings(a.SwingModes, b.SwingModes) &&
		eqString(a.PresetMode, b.PresetMode) &&
		eqStrings(a.PresetModes, b.PresetModes) &&
		eqFeatures(a.SupportedFeatures, b.SupportedFeatures)
}

// MemberState is a read-only snapshot of one member device, produced fresh
// for every reduction pass and never retained across passes.
type MemberState struct {
	EntityID string
	Status   string
	Attrs    Attributes
}

// Available reports whether the member responded at all.
func (m MemberState) Available() bool {
	return m.Status != StatusUnavailable
}

// Mode returns the member's HVAC mode, false when the status carries none.
func (m MemberState) Mode() (Mode, bool) {
	return ParseMode(m.Status)
}

// Equal reports whether two member snapshots are identical.
func (m MemberState) Equal(o MemberState) bool {
	return m.EntityID == o.EntityID && m.Status == o.Status && m.Attrs.Equal(o.Attrs)
}

func eqFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqAction(a, b *Action) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqFeatures(a, b *Features) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func eqModes(a, b []Mode) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
