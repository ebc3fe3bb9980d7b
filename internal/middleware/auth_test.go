package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/collateral_vault/internal/logging"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func generateTestToken(t *testing.T, userID string, expired bool) string {
	t.Helper()
	ttl := time.Hour
	if expired {
		ttl = -time.Hour
	}
	tok, err := IssueToken(testSecret, userID, ttl)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return tok
}

func TestNewAuthMiddleware(t *testing.T) {
	logger := logging.NewDiscard()
	m := NewAuthMiddleware(testSecret, logger, []string{"/healthz", "/metrics"})

	if m.logger != logger {
		t.Error("logger not set correctly")
	}
	if len(m.skipPaths) != 2 || !m.skipPaths["/healthz"] {
		t.Errorf("skipPaths = %v", m.skipPaths)
	}
}

func TestAuthMiddleware_Handler_SkipPaths(t *testing.T) {
	handler := NewAuthMiddleware(testSecret, logging.NewDiscard(), []string{"/healthz"}).Handler(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAuthMiddleware_Handler_RejectsBadHeaders(t *testing.T) {
	handler := NewAuthMiddleware(testSecret, logging.NewDiscard(), nil).Handler(okHandler())

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"no bearer prefix", "token123"},
		{"wrong prefix", "Basic token123"},
		{"empty token", "Bearer "},
		{"garbage token", "Bearer invalid.token.here"},
		{"expired token", "Bearer " + generateTestToken(t, "user-123", true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/vaults/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuthMiddleware_Handler_ValidToken(t *testing.T) {
	var capturedUserID, capturedTraceID string
	handler := NewAuthMiddleware(testSecret, logging.NewDiscard(), nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedUserID = GetUserID(r.Context())
		capturedTraceID = logging.GetTraceID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/vaults/x", nil)
	req = req.WithContext(logging.WithTraceID(req.Context(), "trace-456"))
	req.Header.Set("Authorization", "Bearer "+generateTestToken(t, "user-123", false))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if capturedUserID != "user-123" {
		t.Errorf("User ID = %v, want user-123", capturedUserID)
	}
	if capturedTraceID != "trace-456" {
		t.Errorf("Trace ID = %v, want trace-456", capturedTraceID)
	}
}

func TestAuthMiddleware_Handler_WebsocketQueryToken(t *testing.T) {
	handler := NewAuthMiddleware(testSecret, logging.NewDiscard(), nil).Handler(okHandler())
	tok := generateTestToken(t, "user-123", false)

	req := httptest.NewRequest("GET", "/v1/events/stream?access_token="+tok, nil)
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("websocket upgrade with query token: status %d", rec.Code)
	}

	// The query parameter is ignored for ordinary requests.
	req = httptest.NewRequest("GET", "/v1/vaults/x?access_token="+tok, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("plain request with query token: status %d", rec.Code)
	}
}

func TestAuthMiddleware_RSAKeys(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	claims := &Claims{
		UserID: "user-rsa",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rsaMiddleware := NewAuthMiddleware(&priv.PublicKey, logging.NewDiscard(), nil)
	if got, err := rsaMiddleware.validateToken(tok); err != nil || got.UserID != "user-rsa" {
		t.Fatalf("validateToken() = %+v, %v", got, err)
	}

	// An RSA token must not pass an HMAC-configured middleware, and vice versa.
	hmacMiddleware := NewAuthMiddleware(testSecret, logging.NewDiscard(), nil)
	if _, err := hmacMiddleware.validateToken(tok); err == nil {
		t.Fatal("expected algorithm mismatch error")
	}
	if _, err := rsaMiddleware.validateToken(generateTestToken(t, "user-123", false)); err == nil {
		t.Fatal("expected algorithm mismatch error")
	}
}

func TestAuthMiddleware_RequiresUserIDClaim(t *testing.T) {
	tok, err := IssueToken(testSecret, "", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewAuthMiddleware(testSecret, logging.NewDiscard(), nil).validateToken(tok); err == nil {
		t.Fatal("expected error for token without user_id")
	}
}

func TestRequireUserID(t *testing.T) {
	handler := RequireUserID(okHandler())

	tests := []struct {
		name       string
		ctx        context.Context
		wantStatus int
	}{
		{"with user ID", logging.WithUserID(context.Background(), "user-123"), http.StatusOK},
		{"without user ID", context.Background(), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/vaults", nil).WithContext(tt.ctx)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Status code = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
