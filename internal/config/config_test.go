package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const minimalConfig = `
groups:
  - name: Living Room
    entities:
      - climate.floor_heating
      - climate.radiator
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker != "tcp://127.0.0.1:1883" {
		t.Errorf("MQTT.Broker = %q, want default broker", cfg.MQTT.Broker)
	}
	if cfg.MQTT.ClientID != "climate-groupd" {
		t.Errorf("MQTT.ClientID = %q, want climate-groupd", cfg.MQTT.ClientID)
	}
	if cfg.MQTT.BaseTopic != "climate_group" {
		t.Errorf("MQTT.BaseTopic = %q, want climate_group", cfg.MQTT.BaseTopic)
	}
	if cfg.MQTT.ConnectTimeout.Duration() != 30*time.Second {
		t.Errorf("MQTT.ConnectTimeout = %v, want 30s", cfg.MQTT.ConnectTimeout.Duration())
	}
	if cfg.MQTT.MinRetryBackoff.Duration() != time.Second {
		t.Errorf("MQTT.MinRetryBackoff = %v, want 1s", cfg.MQTT.MinRetryBackoff.Duration())
	}
	if cfg.MQTT.MaxRetryBackoff.Duration() != 2*time.Minute {
		t.Errorf("MQTT.MaxRetryBackoff = %v, want 2m", cfg.MQTT.MaxRetryBackoff.Duration())
	}
	if cfg.MQTT.RateLimitRPS != 10.0 {
		t.Errorf("MQTT.RateLimitRPS = %v, want 10", cfg.MQTT.RateLimitRPS)
	}
	if cfg.MQTT.Discovery.Prefix != "homeassistant" {
		t.Errorf("Discovery.Prefix = %q, want homeassistant", cfg.MQTT.Discovery.Prefix)
	}
	if cfg.MQTT.Discovery.NodeID != "climate_group" {
		t.Errorf("Discovery.NodeID = %q, want climate_group", cfg.MQTT.Discovery.NodeID)
	}
	if cfg.Log.GetLevel() != "info" {
		t.Errorf("Log.GetLevel() = %q, want info", cfg.Log.GetLevel())
	}
	if cfg.Store.Path != "./climate-group.sqlite" {
		t.Errorf("Store.Path = %q, want default path", cfg.Store.Path)
	}
	if cfg.Registry.GetQueueSize() != 256 {
		t.Errorf("Registry.GetQueueSize() = %d, want 256", cfg.Registry.GetQueueSize())
	}
	if cfg.Healthcheck.Host != "0.0.0.0" || cfg.Healthcheck.Port != 9090 {
		t.Errorf("Healthcheck = %s:%d, want 0.0.0.0:9090", cfg.Healthcheck.Host, cfg.Healthcheck.Port)
	}
	if cfg.ShutdownTimeout.Duration() != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 5s", cfg.ShutdownTimeout.Duration())
	}

	if len(cfg.Groups) != 1 {
		t.Fatalf("Groups = %d, want 1", len(cfg.Groups))
	}
	g := cfg.Groups[0]
	if g.ID != "climate.living_room" {
		t.Errorf("group ID = %q, want climate.living_room (slug of name)", g.ID)
	}
	if g.Unit() != "°C" {
		t.Errorf("group Unit() = %q, want °C", g.Unit())
	}
}

func TestLoadExplicitGroupID(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
groups:
  - name: Upstairs
    id: climate.custom_id
    entities: [climate.a]
    temperature_unit: F
    external_sensor: sensor.hall
    exclude: [away, eco]
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	g := cfg.Groups[0]
	if g.ID != "climate.custom_id" {
		t.Errorf("group ID = %q, want the configured id kept", g.ID)
	}
	if g.Unit() != "°F" {
		t.Errorf("group Unit() = %q, want °F", g.Unit())
	}
	if g.ExternalSensor != "sensor.hall" {
		t.Errorf("ExternalSensor = %q, want sensor.hall", g.ExternalSensor)
	}
}

func TestLoadDefaultGroupName(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
groups:
  - entities: [climate.a]
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	g := cfg.Groups[0]
	if g.Name != "Climate Group" {
		t.Errorf("group Name = %q, want Climate Group", g.Name)
	}
	if g.ID != "climate.climate_group" {
		t.Errorf("group ID = %q, want climate.climate_group", g.ID)
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("CG_TEST_BROKER", "tcp://broker.lan:1883")

	cfg, err := Load(writeConfig(t, `
mqtt:
  broker: ${CG_TEST_BROKER}
  username: ${CG_TEST_MISSING:fallback-user}
`+minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker != "tcp://broker.lan:1883" {
		t.Errorf("MQTT.Broker = %q, want value from environment", cfg.MQTT.Broker)
	}
	if cfg.MQTT.Username != "fallback-user" {
		t.Errorf("MQTT.Username = %q, want default fallback", cfg.MQTT.Username)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "no groups",
			body: `log: {level: debug}`,
			want: "at least one group",
		},
		{
			name: "no entities",
			body: "groups:\n  - name: Empty\n",
			want: "at least one member",
		},
		{
			name: "member outside climate domain",
			body: "groups:\n  - name: G\n    entities: [light.lamp]\n",
			want: "must be in the climate domain",
		},
		{
			name: "group is own member",
			body: "groups:\n  - name: G\n    id: climate.g\n    entities: [climate.g]\n",
			want: "cannot be its own member",
		},
		{
			name: "duplicate member",
			body: "groups:\n  - name: G\n    entities: [climate.a, climate.a]\n",
			want: "listed twice",
		},
		{
			name: "duplicate group id",
			body: "groups:\n  - name: G\n    entities: [climate.a]\n  - name: G\n    entities: [climate.b]\n",
			want: "already used by",
		},
		{
			name: "unknown preset",
			body: "groups:\n  - name: G\n    entities: [climate.a]\n    exclude: [party]\n",
			want: "not an excludable preset",
		},
		{
			name: "unknown unit",
			body: "groups:\n  - name: G\n    entities: [climate.a]\n    temperature_unit: kelvin\n",
			want: "unknown temperature unit",
		},
		{
			name: "sensor outside sensor domain",
			body: "groups:\n  - name: G\n    entities: [climate.a]\n    external_sensor: climate.b\n",
			want: "must be in the sensor domain",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load() succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() succeeded for a missing file")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	cfg, err := Load(writeConfig(t, "shutdown_timeout: 90s\n"+minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ShutdownTimeout.Duration() != 90*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 90s", cfg.ShutdownTimeout.Duration())
	}

	if _, err := Load(writeConfig(t, "shutdown_timeout: soon\n"+minimalConfig)); err == nil {
		t.Error("Load() accepted a malformed duration")
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Living Room", "living_room"},
		{"Climate Group", "climate_group"},
		{"  Kids' Room #2 ", "kids_room_2"},
		{"UPSTAIRS", "upstairs"},
		{"a--b", "a_b"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
