package mqtt

import (
	"encoding/json"
	"strings"
)

// Topic layout under the configured base topic:
//
//	<base>/state/<entity_id>     entity state, JSON {state, attributes}
//	<base>/command/<entity_id>   entity command, JSON {service, data}
//
// The bridge subscribes to the state topics of tracked members and sensors
// and to the command topics of its groups. It publishes group state retained
// on the group's state topic and member commands on member command topics.

// stateMessage is the payload carried on state topics.
type stateMessage struct {
	State      string          `json:"state"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// commandMessage is the payload carried on command topics.
type commandMessage struct {
	Service string         `json:"service"`
	Data    map[string]any `json:"data,omitempty"`
}

func stateTopic(base, entityID string) string {
	return base + "/state/" + entityID
}

func commandTopic(base, entityID string) string {
	return base + "/command/" + entityID
}

func entityFromStateTopic(base, topic string) (string, bool) {
	return entityFromTopic(base+"/state/", topic)
}

func groupFromCommandTopic(base, topic string) (string, bool) {
	return entityFromTopic(base+"/command/", topic)
}

func entityFromTopic(prefix, topic string) (string, bool) {
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	id := topic[len(prefix):]
	if id == "" || strings.ContainsRune(id, '/') {
		return "", false
	}
	return id, true
}

// decodeState parses a state payload. The envelope form carries state plus
// attributes; a bare JSON string or plain text (sensor readings like "21.4")
// is taken verbatim as the state.
func decodeState(payload []byte) (string, json.RawMessage) {
	var msg stateMessage
	if err := json.Unmarshal(payload, &msg); err == nil && msg.State != "" {
		return msg.State, msg.Attributes
	}

	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s, nil
	}
	return strings.TrimSpace(string(payload)), nil
}
