package mqtt

import (
	"encoding/json"
	"strings"

	"github.com/daenny/climate-group/internal/climate"
)

// Home Assistant MQTT discovery for the climate platform. Command templates
// wrap HA's plain values into this bridge's {service, data} envelope; state
// templates pick fields out of the group's published snapshot. Preset topics
// are not announced: the preset list is only known at runtime, and HA
// requires it up front.

// discoveryPayload is the discovery config document for one group.
type discoveryPayload struct {
	Name            string   `json:"name"`
	UniqueID        string   `json:"unique_id"`
	Modes           []string `json:"modes"`
	TemperatureUnit string   `json:"temperature_unit"`

	ModeStateTopic    string `json:"mode_state_topic"`
	ModeStateTemplate string `json:"mode_state_template"`
	ModeCommandTopic  string `json:"mode_command_topic"`
	ModeCommandTmpl   string `json:"mode_command_template"`

	TemperatureStateTopic   string `json:"temperature_state_topic"`
	TemperatureStateTmpl    string `json:"temperature_state_template"`
	TemperatureCommandTopic string `json:"temperature_command_topic"`
	TemperatureCommandTmpl  string `json:"temperature_command_template"`

	CurrentTemperatureTopic string `json:"current_temperature_topic"`
	CurrentTemperatureTmpl  string `json:"current_temperature_template"`

	ActionTopic    string `json:"action_topic"`
	ActionTemplate string `json:"action_template"`

	FanModeStateTopic   string `json:"fan_mode_state_topic"`
	FanModeStateTmpl    string `json:"fan_mode_state_template"`
	FanModeCommandTopic string `json:"fan_mode_command_topic"`
	FanModeCommandTmpl  string `json:"fan_mode_command_template"`

	SwingModeStateTopic   string `json:"swing_mode_state_topic"`
	SwingModeStateTmpl    string `json:"swing_mode_state_template"`
	SwingModeCommandTopic string `json:"swing_mode_command_topic"`
	SwingModeCommandTmpl  string `json:"swing_mode_command_template"`

	AvailabilityTopic string `json:"availability_topic"`
	AvailabilityTmpl  string `json:"availability_template"`
}

func discoveryTopic(prefix, nodeID, objectID string) string {
	return prefix + "/climate/" + nodeID + "/" + objectID + "/config"
}

func discoveryConfig(d Discovery, base string, r Route) ([]byte, error) {
	state := stateTopic(base, r.GroupID)
	command := commandTopic(base, r.GroupID)

	modes := make([]string, len(climate.Modes))
	for i, m := range climate.Modes {
		modes[i] = string(m)
	}

	payload := discoveryPayload{
		Name:            r.Name,
		UniqueID:        d.NodeID + "_" + r.ObjectID,
		Modes:           modes,
		TemperatureUnit: strings.TrimPrefix(string(r.Unit), "°"),

		ModeStateTopic:    state,
		ModeStateTemplate: "{{ value_json.state }}",
		ModeCommandTopic:  command,
		ModeCommandTmpl:   `{"service":"set_hvac_mode","data":{"hvac_mode":"{{ value }}"}}`,

		TemperatureStateTopic:   state,
		TemperatureStateTmpl:    "{{ value_json.attributes.temperature }}",
		TemperatureCommandTopic: command,
		TemperatureCommandTmpl:  `{"service":"set_temperature","data":{"temperature":{{ value }}}}`,

		CurrentTemperatureTopic: state,
		CurrentTemperatureTmpl:  "{{ value_json.attributes.current_temperature }}",

		ActionTopic:    state,
		ActionTemplate: "{{ value_json.attributes.hvac_action }}",

		FanModeStateTopic:   state,
		FanModeStateTmpl:    "{{ value_json.attributes.fan_mode }}",
		FanModeCommandTopic: command,
		FanModeCommandTmpl:  `{"service":"set_fan_mode","data":{"fan_mode":"{{ value }}"}}`,

		SwingModeStateTopic:   state,
		SwingModeStateTmpl:    "{{ value_json.attributes.swing_mode }}",
		SwingModeCommandTopic: command,
		SwingModeCommandTmpl:  `{"service":"set_swing_mode","data":{"swing_mode":"{{ value }}"}}`,

		AvailabilityTopic: state,
		AvailabilityTmpl:  "{{ 'offline' if value_json.state == 'unavailable' else 'online' }}",
	}
	return json.Marshal(payload)
}
