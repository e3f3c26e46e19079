// Package translate holds the pure transforms between Matrix events
// and overlay envelopes. Nothing here touches the network or any
// shared state; routing decisions stay in the dispatcher.
package translate

import (
	"strings"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/matrix"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/overlay"
)

// FederationVersion is stamped into every translated event payload.
const FederationVersion = "v1"

// TopicFor classifies a Matrix event type into its overlay topic.
func TopicFor(eventType string) string {
	switch eventType {
	case "m.room.message":
		return "matrix.federation.message"
	case "m.room.member":
		return "matrix.federation.membership"
	case "m.room.name", "m.room.topic", "m.room.avatar", "m.room.power_levels", "m.room.join_rules":
		return "matrix.federation.state"
	case "m.room.redaction":
		return "matrix.federation.redaction"
	case "m.room.encrypted":
		return "matrix.federation.encrypted"
	default:
		return "matrix.federation.event"
	}
}

// ServerFromUserID extracts the server name from a Matrix user id
// (@user:server). IDs without a colon yield "unknown".
func ServerFromUserID(userID string) string {
	if _, server, ok := strings.Cut(userID, ":"); ok {
		return server
	}
	return "unknown"
}

// RoomServers lists the servers participating in a room. Without a
// membership directory the only known participant is the server
// embedded in the room id (!room:server).
func RoomServers(roomID string) ([]string, error) {
	if _, server, ok := strings.Cut(roomID, ":"); ok {
		return []string{server}, nil
	}
	return nil, errors.InvalidRequest("Invalid room ID format: %s", roomID)
}

// ValidateEvent checks an event's content against a minimal per-type
// schema. Types without a schema pass.
func ValidateEvent(eventType string, content any) bool {
	obj, _ := content.(map[string]any)
	switch eventType {
	case "m.room.message":
		if obj == nil {
			return false
		}
		_, hasBody := obj["body"]
		_, hasMsgtype := obj["msgtype"]
		return hasBody || hasMsgtype
	case "m.room.member":
		if obj == nil {
			return false
		}
		_, ok := obj["membership"].(string)
		return ok
	case "m.room.name":
		if obj == nil {
			return false
		}
		_, ok := obj["name"].(string)
		return ok
	case "m.room.topic":
		if obj == nil {
			return false
		}
		_, ok := obj["topic"].(string)
		return ok
	default:
		return true
	}
}

// EventToEnvelope turns a Matrix event into an overlay envelope
// addressed to the first of destinations. The payload carries the
// event's canonical fields plus federation metadata.
func EventToEnvelope(event matrix.Event, destinations []string) (overlay.Envelope, error) {
	if len(destinations) == 0 {
		return overlay.Envelope{}, errors.Federation("No destination servers found")
	}

	payload := map[string]any{
		"event_id":         event.EventID,
		"event_type":       event.EventType,
		"room_id":          event.RoomID,
		"sender":           event.Sender,
		"origin_server_ts": event.OriginServerTS,
		"content":          event.Content,
	}
	if event.StateKey != nil {
		payload["state_key"] = *event.StateKey
	}
	payload["federation_version"] = FederationVersion
	payload["origin_server"] = ServerFromUserID(event.Sender)

	return overlay.Envelope{
		Topic:          TopicFor(event.EventType),
		RoomID:         event.RoomID,
		Sender:         event.Sender,
		OriginServerTS: event.OriginServerTS,
		Payload:        payload,
		Destination:    destinations[0],
	}, nil
}

// EnvelopeToEvent reconstructs a Matrix event from an overlay envelope
// payload. Each missing or wrongly-typed mandatory field fails with a
// Serde error naming the field.
func EnvelopeToEvent(env overlay.Envelope) (matrix.Event, error) {
	eventID, ok := env.Payload["event_id"].(string)
	if !ok {
		return matrix.Event{}, errors.Serde("Missing event_id in Mycelium message")
	}
	eventType, ok := env.Payload["event_type"].(string)
	if !ok {
		return matrix.Event{}, errors.Serde("Missing event_type in Mycelium message")
	}
	roomID, ok := env.Payload["room_id"].(string)
	if !ok {
		return matrix.Event{}, errors.Serde("Missing room_id in Mycelium message")
	}
	sender, ok := env.Payload["sender"].(string)
	if !ok {
		return matrix.Event{}, errors.Serde("Missing sender in Mycelium message")
	}
	originServerTS, ok := timestampValue(env.Payload["origin_server_ts"])
	if !ok {
		return matrix.Event{}, errors.Serde("Missing or invalid origin_server_ts in Mycelium message")
	}
	content, ok := env.Payload["content"]
	if !ok {
		return matrix.Event{}, errors.Serde("Missing content in Mycelium message")
	}

	var stateKey *string
	if s, ok := env.Payload["state_key"].(string); ok {
		stateKey = &s
	}

	if !ValidateEvent(eventType, content) {
		return matrix.Event{}, errors.Serde("Invalid Matrix event structure for type: %s", eventType)
	}

	return matrix.Event{
		EventID:        eventID,
		EventType:      eventType,
		RoomID:         roomID,
		Sender:         sender,
		OriginServerTS: originServerTS,
		Content:        content,
		StateKey:       stateKey,
	}, nil
}

// timestampValue reads an origin_server_ts that may come from JSON
// decoding (float64) or from an in-process envelope (integer types).
func timestampValue(v any) (uint64, bool) {
	switch ts := v.(type) {
	case uint64:
		return ts, true
	case int64:
		if ts < 0 {
			return 0, false
		}
		return uint64(ts), true
	case int:
		if ts < 0 {
			return 0, false
		}
		return uint64(ts), true
	case float64:
		if ts < 0 || ts != float64(uint64(ts)) {
			return 0, false
		}
		return uint64(ts), true
	default:
		return 0, false
	}
}
