package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/heysalad/laura-camera-client/pkg/model"
)

// Realtime socket events (Phoenix protocol, serializer vsn 1.0.0).
const (
	eventJoin      = "phx_join"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventBroadcast = "broadcast"

	phoenixTopic = "phoenix"

	// broadcast event names carried inside a broadcast payload
	BroadcastCommand  = "command"
	BroadcastStatus   = "status"
	BroadcastPhoto    = "photo"
	BroadcastResponse = "response"
)

type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type broadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type commandPayload struct {
	Command   string                 `json:"command"`
	CommandID string                 `json:"command_id"`
	Timestamp json.RawMessage        `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

func encode(topic, event, ref string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(message{Topic: topic, Event: event, Payload: raw, Ref: ref})
}

func joinMessage(topic, ref string) ([]byte, error) {
	payload := map[string]interface{}{
		"config": map[string]interface{}{
			"broadcast": map[string]interface{}{"self": false, "ack": false},
			"presence":  map[string]interface{}{"key": ""},
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(message{Topic: topic, Event: eventJoin, Payload: raw, Ref: ref, JoinRef: ref})
}

func heartbeatMessage(ref string) ([]byte, error) {
	return encode(phoenixTopic, eventHeartbeat, ref, struct{}{})
}

func broadcastMessage(topic, ref, event string, payload interface{}) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return encode(topic, eventBroadcast, ref, broadcastPayload{Type: eventBroadcast, Event: event, Payload: inner})
}

func decode(data []byte) (message, error) {
	var msg message
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// replyStatus returns the status of a phx_reply message.
func replyStatus(msg message) string {
	var reply replyPayload
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		return ""
	}
	return reply.Status
}

// parseCommand extracts a command from a broadcast message. ok is false for
// broadcasts that are not commands.
func parseCommand(msg message) (cmd model.Command, ok bool, err error) {
	var bc broadcastPayload
	if err := json.Unmarshal(msg.Payload, &bc); err != nil {
		return cmd, false, fmt.Errorf("malformed broadcast: %w", err)
	}
	if bc.Event != BroadcastCommand {
		return cmd, false, nil
	}
	var cp commandPayload
	if err := json.Unmarshal(bc.Payload, &cp); err != nil {
		return cmd, false, fmt.Errorf("malformed command: %w", err)
	}
	if cp.CommandID == "" || cp.Command == "" {
		return cmd, false, errors.New("command without id or name")
	}
	return model.Command{
		ID:       cp.CommandID,
		Kind:     model.ParseCommandKind(cp.Command),
		IssuedAt: parseTimestamp(cp.Timestamp),
		Payload:  cp.Payload,
		Source:   model.SourcePush,
	}, true, nil
}

// parseTimestamp accepts unix milliseconds or an RFC 3339 string. Anything
// else yields the zero time.
func parseTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		return time.Time{}
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}
