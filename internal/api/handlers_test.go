package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/confvault/confvault/internal/auth"
	"github.com/confvault/confvault/internal/channels"
	"github.com/confvault/confvault/internal/config"
)

func setupTest(t *testing.T) (*Handlers, *config.Config) {
	t.Helper()

	key := "0123456789abcdef0123456789abcdef"
	authService, err := auth.NewService(key, key, "admin", "test-password", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	events := channels.NewEventChannels(channels.EventChannelsConfig{})
	t.Cleanup(func() { _ = events.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandlers(nil, authService, events, nil, logger)

	cfg := &config.Config{}
	return h, cfg
}

func TestHealth(t *testing.T) {
	h, cfg := setupTest(t)
	router := NewRouter(h, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %q", resp["status"])
	}
}

func TestLogin(t *testing.T) {
	h, cfg := setupTest(t)
	router := NewRouter(h, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	t.Run("valid credentials", func(t *testing.T) {
		body, _ := json.Marshal(auth.LoginRequest{Username: "admin", Password: "test-password"})
		req := httptest.NewRequest("POST", "/api/v1/auth/login", bytes.NewReader(body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
		}
		var resp auth.LoginResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Token == "" {
			t.Error("empty token")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		body, _ := json.Marshal(auth.LoginRequest{Username: "admin", Password: "nope"})
		req := httptest.NewRequest("POST", "/api/v1/auth/login", bytes.NewReader(body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/auth/login", bytes.NewReader([]byte(`{}`)))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h, cfg := setupTest(t)
	router := NewRouter(h, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	t.Run("no token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs/", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs/", nil)
		req.Header.Set("Authorization", "Token abc")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/jobs/", nil)
		req.Header.Set("Authorization", "Bearer not.a.jwt")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	})
}

func TestRequestIDPropagation(t *testing.T) {
	h, cfg := setupTest(t)
	router := NewRouter(h, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}
