package matrix

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
)

func TestDoForwardsRequest(t *testing.T) {
	var gotMethod, gotPath, gotHeader, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Custom")
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"server":{"name":"Synapse"}}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Do(context.Background(), FederationRequest{
		Method:  "PUT",
		Path:    "/_matrix/federation/v1/send/txn1",
		Body:    map[string]any{"pdus": []any{}},
		Headers: map[string]string{"X-Custom": "copied"},
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if gotMethod != "PUT" {
		t.Errorf("method = %q", gotMethod)
	}
	if gotPath != "/_matrix/federation/v1/send/txn1" {
		t.Errorf("path = %q", gotPath)
	}
	if gotHeader != "copied" {
		t.Errorf("header not copied verbatim, got %q", gotHeader)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestDoPassesThroughNon2xxStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errcode":"M_FORBIDDEN"}`))
	}))
	defer server.Close()

	client, _ := NewClient(ClientConfig{HomeserverURL: server.URL})

	resp, err := client.Do(context.Background(), FederationRequest{
		Method: "GET",
		Path:   "/_matrix/federation/v1/state/!r:x",
	})
	if err != nil {
		t.Fatalf("non-2xx must not be an error, got %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	body, ok := resp.Body.(map[string]any)
	if !ok || body["errcode"] != "M_FORBIDDEN" {
		t.Errorf("body = %v", resp.Body)
	}
}

func TestDoUnsupportedMethod(t *testing.T) {
	client, _ := NewClient(ClientConfig{HomeserverURL: "http://localhost:1"})

	_, err := client.Do(context.Background(), FederationRequest{
		Method: "PATCH",
		Path:   "/_matrix/federation/v1/version",
	})
	if !errors.IsKind(err, errors.KindInvalidRequest) {
		t.Fatalf("want invalid_request, got %v", err)
	}
}

func TestDoNonJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	client, _ := NewClient(ClientConfig{HomeserverURL: server.URL})

	_, err := client.Do(context.Background(), FederationRequest{
		Method: "GET",
		Path:   "/_matrix/federation/v1/version",
	})
	if !errors.IsKind(err, errors.KindMatrixAPI) {
		t.Fatalf("want matrix_api, got %v", err)
	}
}

func TestDoTransportError(t *testing.T) {
	// Nothing listens here.
	client, _ := NewClient(ClientConfig{HomeserverURL: "http://127.0.0.1:1"})

	_, err := client.Do(context.Background(), FederationRequest{
		Method: "GET",
		Path:   "/_matrix/federation/v1/version",
	})
	if !errors.IsKind(err, errors.KindMatrixAPI) {
		t.Fatalf("want matrix_api, got %v", err)
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	if !errors.IsKind(err, errors.KindConfig) {
		t.Fatalf("want config error, got %v", err)
	}
}
