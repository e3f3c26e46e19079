// Package matrix provides the Matrix event model and the homeserver
// federation transport for the Mycelium-Matrix bridge.
package matrix

// Event is a Matrix room event as the homeserver emits and consumes it.
// StateKey is present exactly when the event is a state event.
type Event struct {
	EventID        string  `json:"event_id"`
	EventType      string  `json:"event_type"`
	RoomID         string  `json:"room_id"`
	Sender         string  `json:"sender"`
	OriginServerTS uint64  `json:"origin_server_ts"`
	Content        any     `json:"content"`
	StateKey       *string `json:"state_key,omitempty"`
}

// FederationRequest is a Matrix Server-Server API call as submitted to the
// bridge: the method, the /_matrix/federation/... path, an optional JSON
// body, and headers to copy verbatim.
type FederationRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Body    any               `json:"body,omitempty"`
	Headers map[string]string `json:"headers"`
}

// FederationResponse is the result of a federation call. StatusCode is
// returned as the upstream produced it, 2xx or not.
type FederationResponse struct {
	StatusCode int `json:"status_code"`
	Body       any `json:"body"`
}
