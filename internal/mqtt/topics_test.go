package mqtt

import (
	"encoding/json"
	"testing"

	"github.com/daenny/climate-group/internal/dispatch"
)

func TestTopicBuildAndParse(t *testing.T) {
	const base = "climate_group"

	state := stateTopic(base, "climate.living_room")
	if state != "climate_group/state/climate.living_room" {
		t.Errorf("stateTopic = %q", state)
	}
	if id, ok := entityFromStateTopic(base, state); !ok || id != "climate.living_room" {
		t.Errorf("entityFromStateTopic(%q) = %q, %v", state, id, ok)
	}

	command := commandTopic(base, "climate.living_room")
	if command != "climate_group/command/climate.living_room" {
		t.Errorf("commandTopic = %q", command)
	}
	if id, ok := groupFromCommandTopic(base, command); !ok || id != "climate.living_room" {
		t.Errorf("groupFromCommandTopic(%q) = %q, %v", command, id, ok)
	}
}

func TestTopicParseRejects(t *testing.T) {
	tests := []struct {
		name  string
		topic string
	}{
		{"foreign base", "other/state/climate.a"},
		{"empty entity", "climate_group/state/"},
		{"nested segments", "climate_group/state/climate.a/extra"},
		{"command topic", "climate_group/command/climate.a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if id, ok := entityFromStateTopic("climate_group", tt.topic); ok {
				t.Errorf("entityFromStateTopic(%q) accepted, got %q", tt.topic, id)
			}
		})
	}
}

func TestDecodeState(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantState string
		wantAttrs bool
	}{
		{
			name:      "envelope with attributes",
			payload:   `{"state":"heat","attributes":{"current_temperature":21.5}}`,
			wantState: "heat",
			wantAttrs: true,
		},
		{
			name:      "envelope without attributes",
			payload:   `{"state":"cool"}`,
			wantState: "cool",
		},
		{
			name:      "bare numeric reading",
			payload:   `21.4`,
			wantState: "21.4",
		},
		{
			name:      "json string",
			payload:   `"heat"`,
			wantState: "heat",
		},
		{
			name:      "plain text with whitespace",
			payload:   " unavailable \n",
			wantState: "unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, attrs := decodeState([]byte(tt.payload))
			if state != tt.wantState {
				t.Errorf("state = %q, want %q", state, tt.wantState)
			}
			if (attrs != nil) != tt.wantAttrs {
				t.Errorf("attrs = %s, want attrs present = %v", attrs, tt.wantAttrs)
			}
		})
	}
}

func TestCommandPayloadStripsTargets(t *testing.T) {
	call := dispatch.Call{
		Domain:  "climate",
		Service: "set_temperature",
		Data: map[string]any{
			"entity_id":   []string{"climate.a", "climate.b"},
			"temperature": 21.0,
		},
	}

	payload, err := commandPayload(call)
	if err != nil {
		t.Fatalf("commandPayload() error = %v", err)
	}

	var msg struct {
		Service string         `json:"service"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("payload did not parse: %v", err)
	}
	if msg.Service != "set_temperature" {
		t.Errorf("service = %q, want set_temperature", msg.Service)
	}
	if msg.Data["temperature"] != 21.0 {
		t.Errorf("temperature = %v, want 21", msg.Data["temperature"])
	}
	if _, ok := msg.Data["entity_id"]; ok {
		t.Error("entity_id must not travel in the payload")
	}
}
