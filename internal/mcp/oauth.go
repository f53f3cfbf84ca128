package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// nearExpiryWindow is how far ahead of a token's real expiry this package
// treats it as already expired, so a refresh happens before a request can
// fail on a token that expires mid-flight.
const nearExpiryWindow = 60 * time.Second

// TokenRefresher keeps an HTTP-transport MCP server's bearer token fresh,
// refreshing it ahead of expiry via the wrapped oauth2.TokenSource rather
// than waiting for a 401 (spec §4.6 expansion).
type TokenRefresher struct {
	mu     sync.Mutex
	source oauth2.TokenSource
	cur    *oauth2.Token
}

// NewTokenRefresher wraps an oauth2.TokenSource, seeded with an initial
// token (which may be nil to force an immediate fetch on first use).
func NewTokenRefresher(source oauth2.TokenSource, initial *oauth2.Token) *TokenRefresher {
	return &TokenRefresher{source: source, cur: initial}
}

// nearExpiry reports whether t is nil, already expired, or expires within
// nearExpiryWindow.
func nearExpiry(t *oauth2.Token) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if t.Expiry.IsZero() {
		return false
	}
	return time.Now().Add(nearExpiryWindow).After(t.Expiry)
}

// AuthHeader returns the current bearer Authorization header value,
// refreshing the underlying token first if it is near or past expiry.
func (r *TokenRefresher) AuthHeader(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if nearExpiry(r.cur) {
		tok, err := r.source.Token()
		if err != nil {
			return "", fmt.Errorf("mcp: refresh oauth token: %w", err)
		}
		r.cur = tok
	}
	return "Bearer " + r.cur.AccessToken, nil
}

// ApplyHeaders refreshes the token if necessary and writes it into cfg's
// HTTP headers under "Authorization". A no-op for non-HTTP transports.
func (r *TokenRefresher) ApplyHeaders(ctx context.Context, cfg *ServerConfig) error {
	if r == nil || cfg == nil || cfg.Transport != TransportHTTP {
		return nil
	}
	header, err := r.AuthHeader(ctx)
	if err != nil {
		return err
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	cfg.Headers["Authorization"] = header
	return nil
}
