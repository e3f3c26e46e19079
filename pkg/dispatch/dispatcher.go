// Package dispatch routes Matrix federation traffic between the
// Mycelium overlay and plain HTTPS federation. Outbound requests take
// the overlay when a route to the destination exists and fall back to
// the homeserver transport on any submission failure; inbound overlay
// envelopes are matched against pending calls, relayed to the local
// homeserver, or surfaced as bridge events.
package dispatch

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/eventbus"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/logger"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/matrix"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/overlay"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/pending"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/routes"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/translate"
)

// DestinationHeader names the peer a federation request is addressed
// to when the caller knows it. It takes precedence over the
// destination query parameter and the room-id path segment.
const DestinationHeader = "X-Federation-Destination"

// Transport labels for logs, metrics, and bridge events.
const (
	TransportMycelium = "mycelium"
	TransportMatrix   = "matrix"
)

// Config carries the dispatcher's routing policy knobs.
type Config struct {
	// ServerName is this bridge's own Matrix server name. It is
	// excluded from room destination fan-out.
	ServerName string

	// OverlayEnabled gates the overlay path; when false every request
	// takes the Matrix transport regardless of routes.
	OverlayEnabled bool

	// FederationTimeout bounds the wait for a peer's overlay response.
	FederationTimeout time.Duration

	// PublicKey is this bridge's overlay public key, reported in the
	// status snapshot when set.
	PublicKey string
}

// RoomCache supplies the servers known to participate in a room beyond
// the one embedded in the room id. A nil cache disables enrichment.
type RoomCache interface {
	ServersInRoom(ctx context.Context, roomID string) ([]string, error)
	UpsertMember(ctx context.Context, roomID, userID, membership string) error
}

// Deps are the collaborators the dispatcher routes through. Overlay,
// Rooms, and Bus may be nil; the dispatcher degrades to plain Matrix
// federation without them.
type Deps struct {
	Matrix  *matrix.Client
	Overlay *overlay.Client
	Routes  *routes.Table
	Pending *pending.Registry
	Rooms   RoomCache
	Bus     *eventbus.Bus
	Log     *logger.Logger
}

// Dispatcher owns the overlay-first routing decision and the
// request/response correlation across the overlay.
type Dispatcher struct {
	cfg     Config
	matrix  *matrix.Client
	overlay *overlay.Client
	routes  *routes.Table
	pending *pending.Registry
	rooms   RoomCache
	bus     *eventbus.Bus
	metrics *Metrics
	log     *logger.Logger
}

// New assembles a dispatcher. Matrix, Routes, and Pending are
// mandatory; the rest degrade gracefully when absent.
func New(cfg Config, deps Deps) *Dispatcher {
	log := deps.Log
	if log == nil {
		log = logger.Global()
	}
	if cfg.FederationTimeout <= 0 {
		cfg.FederationTimeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:     cfg,
		matrix:  deps.Matrix,
		overlay: deps.Overlay,
		routes:  deps.Routes,
		pending: deps.Pending,
		rooms:   deps.Rooms,
		bus:     deps.Bus,
		metrics: NewMetrics(),
		log:     log.WithComponent("dispatch"),
	}
}

// Metrics exposes the dispatcher's counters for status reporting.
func (d *Dispatcher) Metrics() *Metrics {
	return d.metrics
}

// HandleFederation routes one outbound federation request. The overlay
// path is taken when the destination is known, the overlay is enabled,
// and a route exists; every overlay submission failure falls back to
// the Matrix transport. Overlay response timeouts are acknowledged
// with a synthetic 200, not an error.
func (d *Dispatcher) HandleFederation(ctx context.Context, request matrix.FederationRequest) (matrix.FederationResponse, error) {
	destination := DestinationFor(request)

	if route, ok := d.overlayRoute(destination); ok {
		response, err := d.viaOverlay(ctx, request, route)
		if err == nil {
			d.metrics.RecordRequest(TransportMycelium)
			return response, nil
		}
		if !submissionFailed(err) {
			return matrix.FederationResponse{}, err
		}
		d.log.Warn("Overlay submission failed, falling back to Matrix",
			"server", destination, "method", request.Method, "path", request.Path, "error", err)
		d.metrics.RecordFallback()
		d.publish(eventbus.EventOverlayFallback, destination, map[string]any{
			"method": request.Method,
			"path":   request.Path,
			"error":  err.Error(),
		})
	}

	response, err := d.viaMatrix(ctx, request)
	if err != nil {
		return matrix.FederationResponse{}, err
	}
	d.metrics.RecordRequest(TransportMatrix)
	d.publish(eventbus.EventFederationSent, destination, map[string]any{
		"transport": TransportMatrix,
		"method":    request.Method,
		"path":      request.Path,
		"status":    response.StatusCode,
	})
	return response, nil
}

// overlayRoute reports whether the overlay path is usable for the
// destination and returns its route.
func (d *Dispatcher) overlayRoute(destination string) (routes.Route, bool) {
	if destination == "" || !d.cfg.OverlayEnabled || d.overlay == nil {
		return routes.Route{}, false
	}
	route, err := d.routes.Get(destination)
	if err != nil {
		return routes.Route{}, false
	}
	return route, true
}

// submissionFailed reports whether an overlay error is recoverable by
// retrying the request over plain Matrix federation.
func submissionFailed(err error) bool {
	return errors.IsKind(err, errors.KindMyceliumNetwork) ||
		errors.IsKind(err, errors.KindMyceliumAPI) ||
		errors.IsKind(err, errors.KindSerde)
}

// viaOverlay relays the request over the overlay and waits for the
// peer's response. The pending slot is reserved before submission and
// forgotten on every path that does not resolve it.
func (d *Dispatcher) viaOverlay(ctx context.Context, request matrix.FederationRequest, route routes.Route) (matrix.FederationResponse, error) {
	messageID := pending.MintMessageID()

	slot, err := d.pending.Reserve(messageID)
	if err != nil {
		return matrix.FederationResponse{}, err
	}

	payload, err := json.Marshal(overlay.RequestPayload{
		MessageID: messageID,
		Method:    request.Method,
		Path:      request.Path,
		Body:      request.Body,
		Headers:   request.Headers,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		d.pending.Forget(messageID)
		return matrix.FederationResponse{}, errors.Serde("failed to encode federation request: %v", err)
	}

	start := time.Now()
	status, err := d.overlay.Push(ctx, d.destinationKey(route), overlay.RequestTopic(request.Method), payload)
	if err != nil {
		d.pending.Forget(messageID)
		return matrix.FederationResponse{}, err
	}
	if status < 200 || status > 299 {
		d.pending.Forget(messageID)
		return matrix.FederationResponse{}, errors.MyceliumAPI("Mycelium message send failed with status %d", status)
	}

	d.log.Info("Sent federation request via Mycelium",
		"server", route.DestinationServer, "method", request.Method, "path", request.Path, "message_id", messageID)
	d.publish(eventbus.EventFederationSent, route.DestinationServer, map[string]any{
		"transport":  TransportMycelium,
		"method":     request.Method,
		"path":       request.Path,
		"message_id": messageID,
	})

	timer := time.NewTimer(d.cfg.FederationTimeout)
	defer timer.Stop()

	select {
	case response, ok := <-slot:
		if ok {
			latency := time.Since(start)
			d.routes.Touch(route.DestinationServer, latency.Milliseconds())
			d.metrics.RecordResolved(latency)
			d.publish(eventbus.EventOverlayResolved, route.DestinationServer, map[string]any{
				"message_id": messageID,
				"status":     response.StatusCode,
				"latency_ms": latency.Milliseconds(),
			})
			return response, nil
		}
		// Slot dropped out from under us; treat it like a timeout.
	case <-timer.C:
	case <-ctx.Done():
		d.pending.Forget(messageID)
		return matrix.FederationResponse{}, errors.Timeout("Federation request to %s cancelled: %v", route.DestinationServer, ctx.Err())
	}

	d.pending.Forget(messageID)
	d.log.Warn("Timeout waiting for Mycelium response", "message_id", messageID, "server", route.DestinationServer)
	d.metrics.RecordTimeout()
	d.publish(eventbus.EventOverlayTimeout, route.DestinationServer, map[string]any{"message_id": messageID})

	// The overlay accepted delivery responsibility; acknowledge the
	// submission rather than failing the caller.
	return matrix.FederationResponse{
		StatusCode: 200,
		Body: map[string]any{
			"status":     "sent_via_mycelium",
			"message_id": messageID,
		},
	}, nil
}

// viaMatrix delegates to the homeserver HTTPS transport.
func (d *Dispatcher) viaMatrix(ctx context.Context, request matrix.FederationRequest) (matrix.FederationResponse, error) {
	return d.matrix.Do(ctx, request)
}

// destinationKey resolves a route's mycelium_key to a node public key.
// Key literals pass through; anything else is handed to the node API
// verbatim until a real key discovery mechanism exists.
func (d *Dispatcher) destinationKey(route routes.Route) string {
	if !overlay.IsKeyLiteral(route.MyceliumKey) {
		d.log.Warn("Using placeholder public key resolution", "server", route.DestinationServer)
	}
	return route.MyceliumKey
}

// DestinationFor extracts the destination server from a federation
// request: the X-Federation-Destination header first, then the
// destination query parameter, then the room-id path segment of the
// endpoints that carry one. An empty result means the destination is
// unknown and the request takes the Matrix path.
func DestinationFor(request matrix.FederationRequest) string {
	for name, value := range request.Headers {
		if strings.EqualFold(name, DestinationHeader) && value != "" {
			return value
		}
	}

	parsed, err := url.Parse(request.Path)
	if err != nil {
		return ""
	}
	if destination := parsed.Query().Get("destination"); destination != "" {
		return destination
	}

	rest, found := strings.CutPrefix(parsed.Path, "/_matrix/federation/v1/")
	if !found {
		return ""
	}
	segments := strings.Split(rest, "/")
	if len(segments) < 2 {
		return ""
	}
	switch segments[0] {
	case "state", "state_ids", "backfill", "make_join", "make_leave", "make_knock":
	default:
		return ""
	}
	roomID, err := url.PathUnescape(segments[1])
	if err != nil {
		return ""
	}
	servers, err := translate.RoomServers(roomID)
	if err != nil {
		return ""
	}
	return servers[0]
}

// HandleIncoming classifies one overlay envelope delivered by the
// inbound relay. sourceKey is the sender node's public key when the
// relay knows it; a non-empty key from an unknown peer learns a route.
func (d *Dispatcher) HandleIncoming(ctx context.Context, env overlay.Envelope, sourceKey string) error {
	d.log.Info("Received incoming Mycelium message", "topic", env.Topic, "sender", env.Sender)
	d.metrics.RecordEnvelope(env.Topic)

	d.learnRoute(env.Sender, sourceKey)

	// Response to a pending request?
	if messageID, ok := env.Payload["message_id"].(string); ok {
		response := matrix.FederationResponse{
			StatusCode: 200,
			Body:       map[string]any{"status": "received_via_mycelium"},
		}
		if status, ok := numericValue(env.Payload["status_code"]); ok {
			response.StatusCode = status
		}
		if body, ok := env.Payload["response_body"]; ok {
			response.Body = body
		}
		if d.pending.Resolve(messageID, response) {
			d.log.Info("Delivered Mycelium response", "message_id", messageID)
			return nil
		}
		if env.Topic == overlay.ResponseTopic {
			// Late response for a forgotten slot; drop it silently.
			d.log.Debug("Discarding response for unknown message", "message_id", messageID)
			return nil
		}
	}

	if strings.HasPrefix(env.Topic, overlay.TopicPrefix) {
		if _, ok := env.Payload["method"]; ok {
			return d.relayRequest(ctx, env)
		}
		return d.acceptEvent(ctx, env)
	}

	d.log.Warn("Dropping envelope with unknown topic", "topic", env.Topic, "sender", env.Sender)
	return nil
}

// learnRoute records a route for a peer whose inbound envelope
// revealed its node key.
func (d *Dispatcher) learnRoute(server, sourceKey string) {
	if server == "" || sourceKey == "" {
		return
	}
	if _, err := d.routes.Get(server); err == nil {
		return
	}
	d.routes.Add(server, sourceKey)
	d.log.Info("Learned federation route from inbound envelope", "server", server)
	d.publish(eventbus.EventRouteLearned, server, nil)
}

// relayRequest executes a federation request relayed by a peer and
// ships the response back over the overlay when the peer asked for one.
func (d *Dispatcher) relayRequest(ctx context.Context, env overlay.Envelope) error {
	method, ok := env.Payload["method"].(string)
	if !ok {
		return errors.Serde("Missing method in federation request")
	}
	path, ok := env.Payload["path"].(string)
	if !ok {
		return errors.Serde("Missing path in federation request")
	}

	request := matrix.FederationRequest{
		Method:  method,
		Path:    path,
		Body:    env.Payload["body"],
		Headers: stringMap(env.Payload["headers"]),
	}

	response, err := d.HandleFederation(ctx, request)
	if err != nil {
		return err
	}

	if messageID, ok := env.Payload["message_id"].(string); ok {
		return d.sendResponse(ctx, env.Sender, messageID, response)
	}
	return nil
}

// sendResponse ships a relayed request's response back to the peer on
// the response topic. A non-2xx node status is logged, not fatal: the
// overlay owns redelivery, and the request itself already succeeded.
func (d *Dispatcher) sendResponse(ctx context.Context, server, messageID string, response matrix.FederationResponse) error {
	if d.overlay == nil {
		return errors.Config("Mycelium client not configured")
	}
	route, err := d.routes.Get(server)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(overlay.ResponsePayload{
		MessageID:    messageID,
		ResponseBody: response.Body,
		StatusCode:   response.StatusCode,
		Timestamp:    time.Now().Unix(),
	})
	if err != nil {
		return errors.Serde("failed to encode federation response: %v", err)
	}

	status, err := d.overlay.Push(ctx, d.destinationKey(route), overlay.ResponseTopic, payload)
	if err != nil {
		return errors.Wrap(errors.KindMyceliumAPI, "Failed to send Mycelium response", err)
	}
	if status < 200 || status > 299 {
		d.log.Warn("Failed to send Mycelium response", "status", status, "message_id", messageID)
		return nil
	}
	d.log.Info("Sent Mycelium response", "message_id", messageID, "server", server)
	return nil
}

// acceptEvent ingests a federation event envelope: decode it, cache
// any room membership it reveals, and surface it on the event bus for
// live consumers. Malformed events fail with a Serde error.
func (d *Dispatcher) acceptEvent(ctx context.Context, env overlay.Envelope) error {
	event, err := translate.EnvelopeToEvent(env)
	if err != nil {
		return err
	}

	d.cacheMembership(ctx, event)

	d.log.Info("Received federation event",
		"event_type", event.EventType, "room_id", event.RoomID, "sender", event.Sender)
	d.publish(eventbus.EventEnvelopeReceived, translate.ServerFromUserID(event.Sender), map[string]any{
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"room_id":    event.RoomID,
		"sender":     event.Sender,
	})
	return nil
}

// cacheMembership records the room membership carried by an
// m.room.member event so room fan-out can reach the member's server.
func (d *Dispatcher) cacheMembership(ctx context.Context, event matrix.Event) {
	if d.rooms == nil || event.EventType != "m.room.member" || event.StateKey == nil {
		return
	}
	content, ok := event.Content.(map[string]any)
	if !ok {
		return
	}
	membership, ok := content["membership"].(string)
	if !ok {
		return
	}
	if err := d.rooms.UpsertMember(ctx, event.RoomID, *event.StateKey, membership); err != nil {
		d.log.Warn("Failed to cache room membership", "room_id", event.RoomID, "error", err)
	}
}

// TranslateEvent converts a Matrix event into the overlay envelope
// addressed to the room's destination servers.
func (d *Dispatcher) TranslateEvent(ctx context.Context, event matrix.Event) (overlay.Envelope, error) {
	destinations, err := d.roomDestinations(ctx, event.RoomID)
	if err != nil {
		return overlay.Envelope{}, err
	}
	return translate.EventToEnvelope(event, destinations)
}

// RouteEvent translates a Matrix event and pushes it to every room
// destination with a known route. Destinations without routes are
// skipped; the event's origin already federates to them over HTTPS.
func (d *Dispatcher) RouteEvent(ctx context.Context, event matrix.Event) error {
	destinations, err := d.roomDestinations(ctx, event.RoomID)
	if err != nil {
		return err
	}

	env, err := translate.EventToEnvelope(event, destinations)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return errors.Serde("failed to encode federation event: %v", err)
	}

	for _, destination := range destinations {
		route, ok := d.overlayRoute(destination)
		if !ok {
			d.log.Debug("No overlay route for event destination", "server", destination, "event_id", event.EventID)
			continue
		}
		status, err := d.overlay.Push(ctx, d.destinationKey(route), env.Topic, payload)
		if err != nil || status < 200 || status > 299 {
			d.log.Warn("Failed to route event over Mycelium",
				"server", destination, "event_id", event.EventID, "status", status, "error", err)
			continue
		}
		d.metrics.RecordEventRouted()
		d.log.Info("Routed federation event via Mycelium",
			"server", destination, "event_type", event.EventType, "event_id", event.EventID)
	}
	return nil
}

// roomDestinations returns the servers an event in the room should
// reach: the one embedded in the room id plus any cached members'
// servers, minus this bridge's own.
func (d *Dispatcher) roomDestinations(ctx context.Context, roomID string) ([]string, error) {
	destinations, err := translate.RoomServers(roomID)
	if err != nil {
		return nil, err
	}

	if d.rooms != nil {
		cached, err := d.rooms.ServersInRoom(ctx, roomID)
		if err != nil {
			d.log.Warn("Room server lookup failed", "room_id", roomID, "error", err)
		} else {
			destinations = append(destinations, cached...)
		}
	}

	seen := make(map[string]bool, len(destinations))
	result := destinations[:0]
	for _, server := range destinations {
		if server == "" || server == d.cfg.ServerName || seen[server] {
			continue
		}
		seen[server] = true
		result = append(result, server)
	}
	if len(result) == 0 {
		return nil, errors.Federation("No destination servers found")
	}
	return result, nil
}

// Status captures the bridge status snapshot.
type Status struct {
	ConnectedServers  int    `json:"connected_servers"`
	PendingMessages   int    `json:"pending_messages"`
	LastSync          int64  `json:"last_sync"`
	MyceliumConnected bool   `json:"mycelium_connected"`
	PublicKey         string `json:"public_key,omitempty"`
}

// Status reports the current bridge state. MyceliumConnected reflects
// a live health probe against the overlay node.
func (d *Dispatcher) Status(ctx context.Context) Status {
	connected := false
	if d.overlay != nil {
		connected = d.overlay.Healthy(ctx)
	}
	servers, pending := d.routes.Len(), d.pending.Len()
	d.metrics.SetOverlayUp(connected)
	d.metrics.UpdateGauges(servers, pending)
	return Status{
		ConnectedServers:  servers,
		PendingMessages:   pending,
		LastSync:          time.Now().Unix(),
		MyceliumConnected: connected,
		PublicKey:         d.cfg.PublicKey,
	}
}

// Probe is the result of a federation connectivity test against one
// server.
type Probe struct {
	Success        bool   `json:"success"`
	Server         string `json:"server"`
	StatusCode     int    `json:"status_code"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	ResponseBody   any    `json:"response_body,omitempty"`
	RoutingMethod  string `json:"routing_method"`
}

// TestFederation sends a probe request addressed to the server and
// reports how it was routed and how long it took. Zero-value request
// fields default to a GET against the federation version endpoint.
func (d *Dispatcher) TestFederation(ctx context.Context, server string, request matrix.FederationRequest) (Probe, error) {
	if request.Method == "" {
		request.Method = "GET"
	}
	if request.Path == "" {
		request.Path = "/_matrix/federation/v1/version"
	}
	if request.Headers == nil {
		request.Headers = map[string]string{}
	}
	request.Headers[DestinationHeader] = server

	method := TransportMatrix
	if _, ok := d.overlayRoute(server); ok && d.overlay.Healthy(ctx) {
		method = TransportMycelium
	}

	start := time.Now()
	response, err := d.HandleFederation(ctx, request)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return Probe{Server: server, ResponseTimeMS: elapsed, RoutingMethod: method}, err
	}

	return Probe{
		Success:        response.StatusCode < 400,
		Server:         server,
		StatusCode:     response.StatusCode,
		ResponseTimeMS: elapsed,
		ResponseBody:   response.Body,
		RoutingMethod:  method,
	}, nil
}

func (d *Dispatcher) publish(eventType, server string, data map[string]any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: eventType, Server: server, Data: data})
}

// stringMap coerces a decoded JSON headers object into the header map
// shape, dropping non-string values.
func stringMap(v any) map[string]string {
	object, ok := v.(map[string]any)
	if !ok {
		return map[string]string{}
	}
	headers := make(map[string]string, len(object))
	for key, value := range object {
		if s, ok := value.(string); ok {
			headers[key] = s
		}
	}
	return headers
}

// numericValue reads a JSON number that may have decoded as any of the
// integer or float shapes.
func numericValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
