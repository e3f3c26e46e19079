package http

import (
	"net/http"
	"sort"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/eventbus"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/matrix"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/overlay"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/translate"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dispatcher.Status(r.Context()))
}

func (s *Server) handleFederationSend(w http.ResponseWriter, r *http.Request) {
	var request matrix.FederationRequest
	if err := decodeJSON(r, &request); err != nil {
		s.renderError(w, err)
		return
	}

	response, err := s.dispatcher.HandleFederation(r.Context(), request)
	if err != nil {
		s.renderError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleTranslateMatrix(w http.ResponseWriter, r *http.Request) {
	var event matrix.Event
	if err := decodeJSON(r, &event); err != nil {
		s.renderError(w, err)
		return
	}

	env, err := s.dispatcher.TranslateEvent(r.Context(), event)
	if err != nil {
		s.renderError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleTranslateMycelium(w http.ResponseWriter, r *http.Request) {
	var env overlay.Envelope
	if err := decodeJSON(r, &env); err != nil {
		s.renderError(w, err)
		return
	}

	event, err := translate.EnvelopeToEvent(env)
	if err != nil {
		s.renderError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("server"); name != "" {
		route, err := s.routes.Get(name)
		if err != nil {
			s.writeJSON(w, http.StatusOK, map[string]any{
				"server":       name,
				"mycelium_key": nil,
				"status":       "unknown",
			})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"server":       route.DestinationServer,
			"mycelium_key": route.MyceliumKey,
			"status":       "routed",
		})
		return
	}

	seen := make(map[string]struct{})
	var servers []string
	for _, route := range s.routes.List() {
		if _, dup := seen[route.DestinationServer]; dup {
			continue
		}
		seen[route.DestinationServer] = struct{}{}
		servers = append(servers, route.DestinationServer)
	}
	if s.directory != nil {
		cached, err := s.directory.MemberServers(r.Context())
		if err != nil {
			s.log.Warn("Member server lookup failed", "error", err)
		} else {
			for _, server := range cached {
				if _, dup := seen[server]; dup {
					continue
				}
				seen[server] = struct{}{}
				servers = append(servers, server)
			}
		}
	}
	sort.Strings(servers)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"servers": servers,
		"count":   len(servers),
	})
}

func (s *Server) handleRoutesList(w http.ResponseWriter, r *http.Request) {
	list := s.routes.List()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"routes": list,
		"count":  len(list),
	})
}

func (s *Server) handleRouteAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ServerName  string `json:"server_name"`
		MyceliumKey string `json:"mycelium_key"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.renderError(w, err)
		return
	}
	if body.ServerName == "" {
		s.renderError(w, errors.InvalidRequest("server_name is required"))
		return
	}
	if body.MyceliumKey == "" {
		s.renderError(w, errors.InvalidRequest("mycelium_key is required"))
		return
	}

	route := s.routes.Add(body.ServerName, body.MyceliumKey)
	s.publish(eventbus.EventRouteAdded, route.DestinationServer)
	s.writeJSON(w, http.StatusCreated, route)
}

func (s *Server) handleRouteRemove(w http.ResponseWriter, r *http.Request) {
	server := r.PathValue("server")
	if err := s.routes.Remove(server); err != nil {
		s.renderError(w, err)
		return
	}
	s.publish(eventbus.EventRouteRemoved, server)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	var env overlay.Envelope
	if err := decodeJSON(r, &env); err != nil {
		s.renderError(w, err)
		return
	}

	sourceKey := r.Header.Get("X-Mycelium-Source-Key")
	if err := s.dispatcher.HandleIncoming(r.Context(), env, sourceKey); err != nil {
		s.renderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestFederation(w http.ResponseWriter, r *http.Request) {
	server := r.PathValue("server")

	// The probe request is optional; an empty body tests the version
	// endpoint.
	var request matrix.FederationRequest
	decodeJSON(r, &request)

	probe, err := s.dispatcher.TestFederation(r.Context(), server, request)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success":          false,
			"server":           server,
			"error":            errors.PublicMessage(err),
			"response_time_ms": probe.ResponseTimeMS,
			"routing_method":   "failed",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, probe)
}

// Matrix Server-Server API handlers

func (s *Server) handleSendTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := r.PathValue("txnId")
	s.log.Info("Received federation transaction", "txn_id", txnID)

	pdus, err := decodePDUs(r)
	if err != nil {
		s.renderError(w, err)
		return
	}

	for _, pdu := range pdus {
		if _, ok := pdu["room_id"].(string); !ok {
			continue
		}
		event, err := eventFromPDU(pdu)
		if err != nil {
			s.renderError(w, err)
			return
		}
		// Route failures are not the sender's problem; the overlay is
		// an optimization over the HTTPS federation they already use.
		if err := s.dispatcher.RouteEvent(r.Context(), event); err != nil {
			s.log.Warn("Failed to route PDU", "txn_id", txnID, "event_id", event.EventID, "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	queryType := r.PathValue("queryType")
	switch queryType {
	case "profile", "directory":
		s.handlePassthrough(w, r)
	default:
		s.renderError(w, errors.InvalidRequest("Unknown query type: %s", queryType))
	}
}

// handlePassthrough forwards a federation call through the dispatcher.
// Calls whose path names a remote room take the overlay when a route
// exists; everything else reaches the local homeserver over HTTPS.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	request := matrix.FederationRequest{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: map[string]string{},
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		request.Headers["Authorization"] = auth
	}
	if r.Method == http.MethodPut || r.Method == http.MethodPost {
		var body any
		if err := decodeJSON(r, &body); err == nil {
			request.Body = body
		}
	}

	response, err := s.dispatcher.HandleFederation(r.Context(), request)
	if err != nil {
		s.renderError(w, err)
		return
	}
	s.writeJSON(w, response.StatusCode, response.Body)
}

func (s *Server) publish(eventType, server string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Server: server})
}

// decodePDUs accepts both the Matrix transaction object and the bare
// PDU array form.
func decodePDUs(r *http.Request) ([]map[string]any, error) {
	var raw any
	if err := decodeJSON(r, &raw); err != nil {
		return nil, err
	}

	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		if pdus, ok := v["pdus"].([]any); ok {
			items = pdus
		}
	default:
		return nil, errors.InvalidRequest("Transaction body must be an object or an array of PDUs")
	}

	pdus := make([]map[string]any, 0, len(items))
	for _, item := range items {
		pdu, ok := item.(map[string]any)
		if !ok {
			return nil, errors.Serde("Failed to parse PDU: not an object")
		}
		pdus = append(pdus, pdu)
	}
	return pdus, nil
}

// eventFromPDU maps a decoded PDU onto the event model, failing with a
// Serde error when mandatory fields are missing or mistyped.
func eventFromPDU(pdu map[string]any) (matrix.Event, error) {
	env := overlay.Envelope{Payload: pdu}
	event, err := translate.EnvelopeToEvent(env)
	if err != nil {
		return matrix.Event{}, errors.Serde("Failed to parse PDU: %v", err)
	}
	return event, nil
}
