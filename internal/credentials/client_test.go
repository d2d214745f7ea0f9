package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/suanli-labs/voice-core/internal/asr"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCredentialsFetchAndCache(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/voice/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer app-token" {
			t.Errorf("missing bearer token")
		}
		fetches++
		_ = json.NewEncoder(w).Encode(Credentials{
			Token:             "nls-token",
			ExpiresAt:         time.Now().Add(time.Hour),
			AppKey:            "app-key",
			StreamingEndpoint: "wss://gateway/ws/v1",
			RESTEndpoint:      "https://gateway/stream/v1/asr",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "app-token", time.Second, newLogger())
	creds, err := c.Credentials(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.Token != "nls-token" || creds.AppKey != "app-key" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
	if _, err := c.Credentials(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetches != 1 {
		t.Fatalf("expected cached token to be reused, got %d fetches", fetches)
	}

	c.Invalidate()
	if _, err := c.Credentials(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetches != 2 {
		t.Fatalf("expected refetch after invalidate, got %d fetches", fetches)
	}
}

func TestCredentialsRefreshNearExpiry(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches++
		_ = json.NewEncoder(w).Encode(Credentials{
			Token:     "nls-token",
			ExpiresAt: time.Now().Add(4 * time.Minute), // inside the refresh window
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "app-token", time.Second, newLogger())
	for i := 0; i < 2; i++ {
		if _, err := c.Credentials(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if fetches != 2 {
		t.Fatalf("token inside refresh window must be refetched, got %d fetches", fetches)
	}
}

func TestCredentialsFailureWrappedAsTokenFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "voice service not configured", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "app-token", time.Second, newLogger())
	_, err := c.Credentials(context.Background())
	var aerr *asr.Error
	if !errors.As(err, &aerr) || aerr.Kind != asr.KindTokenFailed {
		t.Fatalf("expected token-failed, got %v", err)
	}
}
