// Package httppush implements delivery.Channel against the management
// API of a WebSocket gateway: each payload is POSTed to the gateway's
// per-connection endpoint. HTTP 410 from the gateway means the remote
// endpoint no longer exists and maps to delivery.Gone; everything else
// that fails maps to delivery.Transient.
package httppush

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sessioncast/sessioncast/delivery"
)

const (
	defaultGoneCacheSize = 4096
	defaultGoneCacheTTL  = 30 * time.Second
)

// Config contains configuration options for the HTTP push channel.
type Config struct {
	// Endpoint is the base URL of the gateway management API, e.g.
	// "https://gateway.internal/v1". The per-connection push URL is
	// <Endpoint>/connections/<connectionId>. ENV: DELIVERY_ENDPOINT
	Endpoint string `env:"DELIVERY_ENDPOINT"`

	// Client is the HTTP client to use. Defaults to http.DefaultClient;
	// per-attempt deadlines come from the caller's context.
	Client *http.Client

	// GoneCacheTTL bounds how long a connection id reported gone by the
	// gateway is remembered locally. Within the window, sends to that id
	// short-circuit to Gone without a network round trip.
	// Default: 30s.
	GoneCacheTTL time.Duration
}

// Channel implements delivery.Channel over the gateway management API.
type Channel struct {
	base   *url.URL
	client *http.Client
	gone   *expirable.LRU[string, struct{}]
}

// New creates an HTTP push channel for the configured gateway endpoint.
func New(cfg Config) (*Channel, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("delivery endpoint is required")
	}
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid delivery endpoint: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	ttl := cfg.GoneCacheTTL
	if ttl <= 0 {
		ttl = defaultGoneCacheTTL
	}
	return &Channel{
		base:   base,
		client: client,
		gone:   expirable.NewLRU[string, struct{}](defaultGoneCacheSize, nil, ttl),
	}, nil
}

// Send implements delivery.Channel.Send.
func (c *Channel) Send(ctx context.Context, connectionID string, payload []byte) (delivery.Outcome, error) {
	if _, known := c.gone.Get(connectionID); known {
		return delivery.Gone, fmt.Errorf("connection %s recently reported gone", connectionID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pushURL(connectionID), bytes.NewReader(payload))
	if err != nil {
		return delivery.Transient, fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Covers DNS failures, refused connections, and ctx expiry. None
		// of these prove the peer is gone.
		return delivery.Transient, fmt.Errorf("push to %s failed: %w", connectionID, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return delivery.Delivered, nil
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		c.gone.Add(connectionID, struct{}{})
		return delivery.Gone, fmt.Errorf("gateway reports connection %s gone (status %d)", connectionID, resp.StatusCode)
	default:
		return delivery.Transient, fmt.Errorf("gateway returned status %d for connection %s", resp.StatusCode, connectionID)
	}
}

func (c *Channel) pushURL(connectionID string) string {
	return c.base.JoinPath("connections", connectionID).String()
}

// Compile-time interface check
var _ delivery.Channel = (*Channel)(nil)
