package climate

import "testing"

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"heat", ModeHeat, true},
		{"cool", ModeCool, true},
		{"heat_cool", ModeHeatCool, true},
		{"auto", ModeAuto, true},
		{"dry", ModeDry, true},
		{"fan_only", ModeFanOnly, true},
		{"off", ModeOff, true},
		{"unavailable", "", false},
		{"unknown", "", false},
		{"", "", false},
		{"HEAT", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseMode(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseMode(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseUnit(t *testing.T) {
	tests := []struct {
		in      string
		want    Unit
		wantErr bool
	}{
		{"", Celsius, false},
		{"c", Celsius, false},
		{"C", Celsius, false},
		{"celsius", Celsius, false},
		{"°C", Celsius, false},
		{"f", Fahrenheit, false},
		{"Fahrenheit", Fahrenheit, false},
		{"°F", Fahrenheit, false},
		{"kelvin", "", true},
	}
	for _, tt := range tests {
		got, err := ParseUnit(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseUnit(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseUnit(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEntityDomain(t *testing.T) {
	if got := EntityDomain("climate.living_room"); got != "climate" {
		t.Errorf("EntityDomain() = %q, want %q", got, "climate")
	}
	if got := EntityDomain("sensor.hallway_temp"); got != "sensor" {
		t.Errorf("EntityDomain() = %q, want %q", got, "sensor")
	}
	if got := EntityDomain("nodomain"); got != "" {
		t.Errorf("EntityDomain() = %q, want empty", got)
	}
}

func TestParseAttributes_IgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{
		"current_temperature": 21.5,
		"hvac_modes": ["heat", "off"],
		"supported_features": 17,
		"battery_level": 92,
		"vendor_diagnostics": {"rssi": -60}
	}`)

	a, err := ParseAttributes(raw)
	if err != nil {
		t.Fatalf("ParseAttributes() error = %v", err)
	}
	if a.CurrentTemperature == nil || *a.CurrentTemperature != 21.5 {
		t.Errorf("CurrentTemperature = %v, want 21.5", a.CurrentTemperature)
	}
	if len(a.HVACModes) != 2 || a.HVACModes[0] != ModeHeat || a.HVACModes[1] != ModeOff {
		t.Errorf("HVACModes = %v, want [heat off]", a.HVACModes)
	}
	if a.SupportedFeatures == nil || *a.SupportedFeatures != FeatureTargetTemperature|FeaturePresetMode {
		t.Errorf("SupportedFeatures = %v, want %v", a.SupportedFeatures, FeatureTargetTemperature|FeaturePresetMode)
	}
	if a.Temperature != nil {
		t.Errorf("Temperature = %v, want nil (not reported)", *a.Temperature)
	}
}

func TestParseAttributes_Empty(t *testing.T) {
	a, err := ParseAttributes(nil)
	if err != nil {
		t.Fatalf("ParseAttributes(nil) error = %v", err)
	}
	if !a.Equal(Attributes{}) {
		t.Error("ParseAttributes(nil) should yield an empty record")
	}
}

func TestMemberStateEqual(t *testing.T) {
	temp := 20.0
	fan := "low"

	a := MemberState{EntityID: "climate.a", Status: "heat", Attrs: Attributes{Temperature: &temp, FanMode: &fan}}
	b := MemberState{EntityID: "climate.a", Status: "heat", Attrs: Attributes{Temperature: f64(20.0), FanMode: strPtr("low")}}
	if !a.Equal(b) {
		t.Error("snapshots with equal values should be equal")
	}

	c := b
	c.Attrs.Temperature = f64(21.0)
	if a.Equal(c) {
		t.Error("snapshots with different temperatures should not be equal")
	}

	d := b
	d.Status = "off"
	if a.Equal(d) {
		t.Error("snapshots with different statuses should not be equal")
	}

	e := b
	e.Attrs.FanMode = nil
	if a.Equal(e) {
		t.Error("reported vs absent attribute should not be equal")
	}
}

func TestMemberStateAvailable(t *testing.T) {
	if (MemberState{Status: StatusUnavailable}).Available() {
		t.Error("unavailable member should not be available")
	}
	if !(MemberState{Status: StatusUnknown}).Available() {
		t.Error("unknown member still responds and should count as available")
	}
	if !(MemberState{Status: "heat"}).Available() {
		t.Error("member with a mode should be available")
	}
}

func f64(v float64) *float64 { return &v }

func strPtr(s string) *string { return &s }
