// Package overlay speaks the HTTP message API of a local Mycelium node.
// The bridge pushes federation envelopes to peers through the node and
// probes its /health endpoint to report overlay reachability.
package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
)

const (
	userAgent     = "Mycelium-Matrix-Bridge/1.0"
	healthTimeout = 5 * time.Second
)

// Client submits messages to a Mycelium node's HTTP API.
type Client struct {
	apiURL     string
	httpClient *http.Client
	health     singleflight.Group
}

// ClientConfig carries the settings for a node API client.
type ClientConfig struct {
	APIURL  string
	Timeout time.Duration
}

// NewClient returns a client for the node API at cfg.APIURL.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, errors.Config("mycelium API URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// APIURL returns the node API base URL the client talks to.
func (c *Client) APIURL() string {
	return c.apiURL
}

// pushMessage is the node API's message submission body. Topic and
// payload travel as base64-encoded bytes.
type pushMessage struct {
	Dst     pushDestination `json:"dst"`
	Topic   []byte          `json:"topic"`
	Payload []byte          `json:"payload"`
}

type pushDestination struct {
	PK string `json:"pk"`
}

// Push submits one message addressed to the node with public key
// dstKey. It returns the HTTP status of the submission; a non-nil
// error means the node API could not be reached at all. Callers decide
// whether a non-2xx status is fatal.
func (c *Client) Push(ctx context.Context, dstKey, topic string, payload []byte) (int, error) {
	body, err := json.Marshal(pushMessage{
		Dst:     pushDestination{PK: dstKey},
		Topic:   []byte(topic),
		Payload: payload,
	})
	if err != nil {
		return 0, errors.Serde("failed to encode mycelium message: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/v1/messages", bytes.NewReader(body))
	if err != nil {
		return 0, errors.MyceliumAPI("%v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.MyceliumNetwork("%v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// Healthy probes the node's /health endpoint with a five-second
// deadline and reports whether it answered 2xx. Concurrent probes are
// coalesced into a single request.
func (c *Client) Healthy(ctx context.Context) bool {
	v, _, _ := c.health.Do("health", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.apiURL+"/health", nil)
		if err != nil {
			return false, nil
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return false, nil
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
	})
	healthy, ok := v.(bool)
	return ok && healthy
}

// IsKeyLiteral reports whether a route's mycelium_key looks like a node
// public key (64 hex characters or an 0x-prefixed literal). Anything
// else is an opaque handle that is passed to the node API verbatim.
func IsKeyLiteral(key string) bool {
	return strings.HasPrefix(key, "0x") || len(key) == 64
}
