package mcp

import (
	"context"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type staticTokenSource struct {
	tok *oauth2.Token
	n   int
}

func (s *staticTokenSource) Token() (*oauth2.Token, error) {
	s.n++
	return s.tok, nil
}

func TestTokenRefresherReusesFreshToken(t *testing.T) {
	src := &staticTokenSource{tok: &oauth2.Token{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}}
	r := NewTokenRefresher(src, src.tok)

	header, err := r.AuthHeader(context.Background())
	if err != nil {
		t.Fatalf("AuthHeader: %v", err)
	}
	if header != "Bearer fresh" {
		t.Errorf("header = %q, want Bearer fresh", header)
	}
	if src.n != 0 {
		t.Errorf("expected no refresh for a fresh token, got %d calls", src.n)
	}
}

func TestTokenRefresherRefreshesNearExpiry(t *testing.T) {
	stale := &oauth2.Token{AccessToken: "stale", Expiry: time.Now().Add(10 * time.Second)}
	src := &staticTokenSource{tok: &oauth2.Token{AccessToken: "renewed", Expiry: time.Now().Add(time.Hour)}}
	r := NewTokenRefresher(src, stale)

	header, err := r.AuthHeader(context.Background())
	if err != nil {
		t.Fatalf("AuthHeader: %v", err)
	}
	if header != "Bearer renewed" {
		t.Errorf("header = %q, want Bearer renewed", header)
	}
	if src.n != 1 {
		t.Errorf("expected exactly one refresh, got %d", src.n)
	}
}

func TestApplyHeadersSkipsNonHTTPTransport(t *testing.T) {
	src := &staticTokenSource{tok: &oauth2.Token{AccessToken: "x", Expiry: time.Now().Add(time.Hour)}}
	r := NewTokenRefresher(src, src.tok)
	cfg := &ServerConfig{Transport: TransportStdio}

	if err := r.ApplyHeaders(context.Background(), cfg); err != nil {
		t.Fatalf("ApplyHeaders: %v", err)
	}
	if cfg.Headers != nil {
		t.Errorf("expected no headers written for a stdio transport")
	}
}

func TestApplyHeadersSetsAuthorizationForHTTP(t *testing.T) {
	src := &staticTokenSource{tok: &oauth2.Token{AccessToken: "x", Expiry: time.Now().Add(time.Hour)}}
	r := NewTokenRefresher(src, src.tok)
	cfg := &ServerConfig{Transport: TransportHTTP}

	if err := r.ApplyHeaders(context.Background(), cfg); err != nil {
		t.Fatalf("ApplyHeaders: %v", err)
	}
	if cfg.Headers["Authorization"] != "Bearer x" {
		t.Errorf("Authorization header = %q, want Bearer x", cfg.Headers["Authorization"])
	}
}
