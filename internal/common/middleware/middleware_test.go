package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

var secret = []byte("test-secret")

func echoPayer(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, GetPayerID(r.Context())+"|"+GetAccessToken(r.Context()))
}

func TestPayerAuth(t *testing.T) {
	t.Parallel()

	valid, err := IssuePayerToken(secret, "payer1", "at-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, err := IssuePayerToken(secret, "payer1", "", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := IssuePayerToken([]byte("other"), "payer1", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, PayerClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, PayerClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "payer1"},
	}).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{name: "valid", header: "Bearer " + valid, status: http.StatusOK, body: "payer1|at-1"},
		{name: "missing", status: http.StatusUnauthorized, body: "UNAUTHORIZED"},
		{name: "wrong scheme", header: "Basic " + valid, status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, status: http.StatusUnauthorized, body: "TOKEN_EXPIRED"},
		{name: "other secret", header: "Bearer " + foreign, status: http.StatusUnauthorized},
		{name: "no payer", header: "Bearer " + noSubject, status: http.StatusUnauthorized},
		{name: "no expiry", header: "Bearer " + noExpiry, status: http.StatusUnauthorized},
	}

	h := PayerAuth(secret)(http.HandlerFunc(echoPayer))
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body)
			}
			if tt.body != "" && !strings.Contains(rec.Body.String(), tt.body) {
				t.Errorf("body = %q, want %q", rec.Body, tt.body)
			}
		})
	}
}

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()

	h := APIKeyAuth(StaticAPIKeys(map[string]string{"k1": "shop"}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, GetClientID(r.Context()))
	}))

	tests := []struct {
		name   string
		key    string
		status int
		body   string
	}{
		{name: "known", key: "k1", status: http.StatusOK, body: "shop"},
		{name: "unknown", key: "nope", status: http.StatusUnauthorized},
		{name: "missing", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q", rec.Body)
			}
		})
	}
}

func TestCorrelationIDAndLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	r := chi.NewRouter()
	r.Use(CorrelationID)
	r.Use(Logger(logger))
	r.Use(Recoverer(logger))
	r.With(PayerAuth(secret)).Get("/me", echoPayer)
	r.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })

	token, err := IssuePayerToken(secret, "payer7", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Header().Get("X-Correlation-ID") != "corr-1" {
		t.Errorf("correlation header = %q", rec.Header().Get("X-Correlation-ID"))
	}
	logged := buf.String()
	if !strings.Contains(logged, `"correlation_id":"corr-1"`) || !strings.Contains(logged, `"payer_id":"payer7"`) {
		t.Errorf("log = %s", logged)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "INTERNAL_ERROR") {
		t.Errorf("panic response = %d %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("generated correlation id missing")
	}
}
