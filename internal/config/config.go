package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daenny/climate-group/internal/climate"
)

// Config represents the application configuration
type Config struct {
	MQTT            MQTTConfig        `yaml:"mqtt"`
	Store           StoreConfig       `yaml:"store"`
	Log             LogConfig         `yaml:"log"`
	Registry        RegistryConfig    `yaml:"registry"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	Groups          []GroupConfig     `yaml:"groups"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// MQTTConfig contains broker connection settings
type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"`

	ConnectTimeout Duration `yaml:"connect_timeout"` // Timeout for the initial broker connect

	// Reconnect settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between reconnects (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between reconnects (default: 2m)

	RateLimitRPS float64 `yaml:"rate_limit_rps"` // Member command publish rate limit

	Discovery DiscoveryConfig `yaml:"discovery"`
}

// DiscoveryConfig contains Home Assistant MQTT discovery settings
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`  // Discovery topic prefix (default: homeassistant)
	NodeID  string `yaml:"node_id"` // Node segment of discovery topics (default: climate_group)
}

// StoreConfig contains snapshot persistence settings
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	JSON   bool   `yaml:"json"`
	Colors bool   `yaml:"colors"`
}

// GetLevel returns the log level with default
func (c *LogConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// RegistryConfig contains state registry settings
type RegistryConfig struct {
	QueueSize int `yaml:"queue_size"` // Change queue size (default: 256)
}

// GetQueueSize returns queue size with default
func (c *RegistryConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 256
	}
	return c.QueueSize
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// GroupConfig declares one climate group
type GroupConfig struct {
	Name            string   `yaml:"name"`             // Friendly name (default: Climate Group)
	ID              string   `yaml:"id"`               // Entity id (default: climate.<slug of name>)
	Entities        []string `yaml:"entities"`         // Member climate entity ids, fan-out order
	Exclude         []string `yaml:"exclude"`          // Preset modes excluded from reduction
	TemperatureUnit string   `yaml:"temperature_unit"` // C or F (default: C)
	ExternalSensor  string   `yaml:"external_sensor"`  // Optional temperature sensor entity id
}

// Unit returns the parsed temperature unit. Validation already rejected
// anything unparsable, so this cannot fail after Load.
func (g *GroupConfig) Unit() climate.Unit {
	u, err := climate.ParseUnit(g.TemperatureUnit)
	if err != nil {
		return climate.Celsius
	}
	return u
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads, expands, parses and validates the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "./climate-group.sqlite"
	}

	// MQTT defaults
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://127.0.0.1:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "climate-groupd"
	}
	if cfg.MQTT.BaseTopic == "" {
		cfg.MQTT.BaseTopic = "climate_group"
	}
	if cfg.MQTT.ConnectTimeout == 0 {
		cfg.MQTT.ConnectTimeout = Duration(30 * time.Second)
	}
	if cfg.MQTT.MinRetryBackoff == 0 {
		cfg.MQTT.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.MQTT.MaxRetryBackoff == 0 {
		cfg.MQTT.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.MQTT.RateLimitRPS == 0 {
		cfg.MQTT.RateLimitRPS = 10.0 // 10 publishes per second
	}
	if cfg.MQTT.Discovery.Prefix == "" {
		cfg.MQTT.Discovery.Prefix = "homeassistant"
	}
	if cfg.MQTT.Discovery.NodeID == "" {
		cfg.MQTT.Discovery.NodeID = "climate_group"
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	// Group defaults
	for i := range cfg.Groups {
		g := &cfg.Groups[i]
		if g.Name == "" {
			g.Name = "Climate Group"
		}
		if g.ID == "" {
			g.ID = climate.Domain + "." + Slugify(g.Name)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate reports every configuration problem, not just the first.
func (c *Config) validate() error {
	var errs []error

	if len(c.Groups) == 0 {
		errs = append(errs, errors.New("groups: at least one group must be configured"))
	}

	seen := make(map[string]int)
	for i, g := range c.Groups {
		field := fmt.Sprintf("groups[%d]", i)

		if prev, ok := seen[g.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id: %q already used by groups[%d]", field, g.ID, prev))
		} else {
			seen[g.ID] = i
		}
		if climate.EntityDomain(g.ID) != climate.Domain {
			errs = append(errs, fmt.Errorf("%s.id: %q must be in the %s domain", field, g.ID, climate.Domain))
		}

		if len(g.Entities) == 0 {
			errs = append(errs, fmt.Errorf("%s.entities: at least one member is required", field))
		}
		members := make(map[string]struct{}, len(g.Entities))
		for j, id := range g.Entities {
			if climate.EntityDomain(id) != climate.Domain {
				errs = append(errs, fmt.Errorf("%s.entities[%d]: %q must be in the %s domain", field, j, id, climate.Domain))
			}
			if id == g.ID {
				errs = append(errs, fmt.Errorf("%s.entities[%d]: group cannot be its own member", field, j))
			}
			if _, ok := members[id]; ok {
				errs = append(errs, fmt.Errorf("%s.entities[%d]: %q listed twice", field, j, id))
			}
			members[id] = struct{}{}
		}

		for j, p := range g.Exclude {
			if !excludablePreset(p) {
				errs = append(errs, fmt.Errorf("%s.exclude[%d]: %q is not an excludable preset (allowed: %s)",
					field, j, p, strings.Join(climate.ExcludablePresets, ", ")))
			}
		}

		if _, err := climate.ParseUnit(g.TemperatureUnit); err != nil {
			errs = append(errs, fmt.Errorf("%s.temperature_unit: %w", field, err))
		}

		if g.ExternalSensor != "" && climate.EntityDomain(g.ExternalSensor) != climate.SensorDomain {
			errs = append(errs, fmt.Errorf("%s.external_sensor: %q must be in the %s domain", field, g.ExternalSensor, climate.SensorDomain))
		}
	}

	return errors.Join(errs...)
}

func excludablePreset(p string) bool {
	for _, known := range climate.ExcludablePresets {
		if p == known {
			return true
		}
	}
	return false
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives an entity-id-safe slug from a friendly name.
func Slugify(name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(name), "_")
	return strings.Trim(slug, "_")
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
