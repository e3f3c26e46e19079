package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
)

const userAgent = "Mycelium-Matrix-Bridge/1.0"

// Client forwards federation requests to a Matrix homeserver over HTTP.
type Client struct {
	homeserver string
	httpClient *http.Client
}

// ClientConfig holds Matrix client configuration
type ClientConfig struct {
	// HomeserverURL is the homeserver base URL, without a trailing slash
	HomeserverURL string

	// Timeout bounds each request end to end
	Timeout time.Duration
}

// NewClient creates a homeserver client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, errors.Config("homeserver URL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		homeserver: cfg.HomeserverURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// HomeserverURL returns the configured homeserver base URL.
func (c *Client) HomeserverURL() string {
	return c.homeserver
}

// Do issues the federation request against the homeserver and returns its
// response. The numeric status passes through uninterpreted; only transport
// failures and unparseable bodies are errors.
func (c *Client) Do(ctx context.Context, request FederationRequest) (FederationResponse, error) {
	switch request.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return FederationResponse{}, errors.InvalidRequest("Unsupported method: %s", request.Method)
	}

	url := c.homeserver + request.Path

	var bodyReader io.Reader
	if request.Body != nil {
		data, err := json.Marshal(request.Body)
		if err != nil {
			return FederationResponse{}, errors.Serde("Failed to serialize request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, request.Method, url, bodyReader)
	if err != nil {
		return FederationResponse{}, errors.InvalidRequest("Failed to build request: %v", err)
	}

	for key, value := range request.Headers {
		req.Header.Set(key, value)
	}
	if request.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FederationResponse{}, errors.MatrixAPI("%v", err)
	}
	defer resp.Body.Close()

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return FederationResponse{}, errors.MatrixAPI("Failed to parse response: %v", err)
	}

	return FederationResponse{
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}
