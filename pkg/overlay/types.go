package overlay

import "strings"

// Federation envelope topics. Requests travel on a per-method topic,
// replies always on the response topic.
const (
	TopicPrefix   = "matrix.federation."
	ResponseTopic = TopicPrefix + "response"
)

// RequestTopic returns the envelope topic for a relayed federation
// request with the given HTTP method.
func RequestTopic(method string) string {
	return TopicPrefix + strings.ToLower(method)
}

// Envelope is the message that crosses the Mycelium overlay between
// bridges. Payload carries one of three JSON shapes depending on the
// topic: a federation request, a federation response, or a translated
// Matrix event.
type Envelope struct {
	Topic          string         `json:"topic"`
	RoomID         string         `json:"room_id,omitempty"`
	Sender         string         `json:"sender"`
	OriginServerTS uint64         `json:"origin_server_ts"`
	Payload        map[string]any `json:"payload"`
	Destination    string         `json:"destination"`
}

// RequestPayload is the envelope payload for a relayed federation
// request. MessageID correlates the eventual response envelope back to
// the pending slot that is waiting for it.
type RequestPayload struct {
	MessageID string            `json:"message_id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Body      any               `json:"body,omitempty"`
	Headers   map[string]string `json:"headers"`
	Timestamp int64             `json:"timestamp"`
}

// ResponsePayload is the envelope payload for a relayed federation
// response, sent back on the matrix.federation.response topic.
type ResponsePayload struct {
	MessageID    string `json:"message_id"`
	ResponseBody any    `json:"response_body"`
	StatusCode   int    `json:"status_code"`
	Timestamp    int64  `json:"timestamp"`
}
