package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"matrix api", MatrixAPI("Failed to parse response: %v", stderrors.New("eof")), KindMatrixAPI},
		{"serde", Serde("Missing event_id in Mycelium message"), KindSerde},
		{"wrapped once", fmt.Errorf("dispatch: %w", Timeout("deadline exceeded")), KindTimeout},
		{"plain error", stderrors.New("boom"), Kind("")},
		{"nil-adjacent", fmt.Errorf("no bridge error inside"), Kind("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"matrix api is 502", MatrixAPI("upstream broke"), http.StatusBadGateway},
		{"mycelium network is 503", MyceliumNetwork("node down"), http.StatusServiceUnavailable},
		{"mycelium api is 502", MyceliumAPI("submit rejected"), http.StatusBadGateway},
		{"database is 500", Database("disk full"), http.StatusInternalServerError},
		{"config is 500", Config("Mycelium client not configured"), http.StatusInternalServerError},
		{"serde is 400", Serde("Missing content in Mycelium message"), http.StatusBadRequest},
		{"auth is 401", Auth("bad token"), http.StatusUnauthorized},
		{"federation is 400", Federation("No destination servers found"), http.StatusBadRequest},
		{"timeout is 408", Timeout("gave up"), http.StatusRequestTimeout},
		{"not found is 404", NotFound("No route found for server: x"), http.StatusNotFound},
		{"invalid request is 400", InvalidRequest("Unsupported method: PATCH"), http.StatusBadRequest},
		{"resource exhausted is 429", ResourceExhausted("registry full"), http.StatusTooManyRequests},
		{"unknown error is 500", stderrors.New("mystery"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPublicMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"matrix api keeps message", MatrixAPI("Failed to parse response: eof"), "Matrix API error: Failed to parse response: eof"},
		{"federation keeps message", Federation("No destination servers found"), "Federation error: No destination servers found"},
		{"invalid request keeps message", InvalidRequest("Unsupported method: PATCH"), "Invalid request: Unsupported method: PATCH"},
		{"database is masked", Database("dsn leak"), "Database error"},
		{"config is masked", Config("secret path"), "Configuration error"},
		{"serde is masked", Serde("Missing event_id in Mycelium message"), "Invalid data format"},
		{"timeout is generic", Timeout("waited 30s"), "Request timeout"},
		{"not found is generic", NotFound("No route found for server: x"), "Resource not found"},
		{"non-bridge error", stderrors.New("boom"), "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PublicMessage(tt.err); got != tt.want {
				t.Errorf("PublicMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(KindMyceliumNetwork, "health probe failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("wrapped error should match its cause via errors.Is")
	}
	if err.Error() != "health probe failed: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}

	var be *Error
	if !stderrors.As(err, &be) {
		t.Fatal("errors.As should find *Error")
	}
	if be.Kind != KindMyceliumNetwork {
		t.Errorf("Kind = %q, want %q", be.Kind, KindMyceliumNetwork)
	}
}
