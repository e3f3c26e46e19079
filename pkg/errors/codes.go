package errors

import (
	"fmt"
	"net/http"
)

// kindInfo describes how a Kind is reported on the bridge's HTTP surface.
// Masked kinds never expose their message text to callers.
type kindInfo struct {
	Status int
	Label  string
	Masked bool
	Public string // fixed public message for masked kinds
}

// kindRegistry maps every Kind to its HTTP status and presentation.
// Kinds missing from the registry report as 500.
var kindRegistry = map[Kind]kindInfo{
	KindMatrixAPI:         {Status: http.StatusBadGateway, Label: "Matrix API error"},
	KindMyceliumNetwork:   {Status: http.StatusServiceUnavailable, Label: "Mycelium network error"},
	KindMyceliumAPI:       {Status: http.StatusBadGateway, Label: "Mycelium API error"},
	KindDatabase:          {Status: http.StatusInternalServerError, Label: "Database error", Masked: true, Public: "Database error"},
	KindConfig:            {Status: http.StatusInternalServerError, Label: "Configuration error", Masked: true, Public: "Configuration error"},
	KindSerde:             {Status: http.StatusBadRequest, Label: "Serialization error", Masked: true, Public: "Invalid data format"},
	KindAuth:              {Status: http.StatusUnauthorized, Label: "Authentication error"},
	KindFederation:        {Status: http.StatusBadRequest, Label: "Federation error"},
	KindTimeout:           {Status: http.StatusRequestTimeout, Label: "Timeout", Masked: true, Public: "Request timeout"},
	KindNotFound:          {Status: http.StatusNotFound, Label: "Not found", Masked: true, Public: "Resource not found"},
	KindInvalidRequest:    {Status: http.StatusBadRequest, Label: "Invalid request"},
	KindResourceExhausted: {Status: http.StatusTooManyRequests, Label: "Resource exhausted"},
}

// HTTPStatus returns the HTTP status an error maps to on the bridge's own
// endpoints. Non-bridge errors map to 500.
func HTTPStatus(err error) int {
	if info, ok := kindRegistry[KindOf(err)]; ok {
		return info.Status
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the error text rendered to HTTP callers. Database,
// config, serde, timeout, and not-found failures report only a generic
// message; other kinds report "<label>: <message>".
func PublicMessage(err error) string {
	var e *Error
	if !asBridgeError(err, &e) {
		return "Internal server error"
	}
	info, ok := kindRegistry[e.Kind]
	if !ok {
		return "Internal server error"
	}
	if info.Masked {
		return info.Public
	}
	return fmt.Sprintf("%s: %s", info.Label, e.Message)
}
