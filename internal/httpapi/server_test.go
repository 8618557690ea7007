package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atelier-run/workspace_layer/internal/config"
	"github.com/atelier-run/workspace_layer/internal/registry"
	"github.com/atelier-run/workspace_layer/internal/services/conversation"
	"github.com/atelier-run/workspace_layer/internal/services/toolgateway"
	"github.com/atelier-run/workspace_layer/pkg/logger"
)

func testLogger() *logger.Logger {
	log := logger.NewDefault("test")
	log.SetOutput(io.Discard)
	return log
}

// newTestServer builds a registry with one workspace carrying a tool gateway
// and a conversation coordinator, started and ready to serve.
func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.Auth.Disabled = true
	}

	log := testLogger()
	reg := registry.New(log)

	gateway := toolgateway.New("ws1", cfg.Gateway, log)
	reg.RegisterWorkspaceService("ws1", toolgateway.ServiceType, gateway, registry.ServiceOptions{})
	reg.RegisterWorkspaceService("ws1", conversation.ServiceType,
		conversation.New("ws1", gateway, log),
		registry.ServiceOptions{Dependencies: []string{toolgateway.ServiceType}})

	if err := reg.InitializeServices(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { reg.CleanupServices(context.Background()) })

	return NewServer(reg, cfg, log)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["started"] != true {
		t.Fatalf("expected started=true, got %v", body)
	}
}

func TestAllStatusesEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/v1/services/status", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Healthy  bool                               `json:"healthy"`
		Services map[string]registry.HealthSnapshot `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Healthy {
		t.Fatalf("expected healthy aggregate, got %+v", body)
	}
	if _, ok := body.Services["ws1:tool-gateway"]; !ok {
		t.Fatalf("expected ws1:tool-gateway in %v", body.Services)
	}
}

func TestWorkspaceStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/v1/workspaces/ws1/services/tool-gateway/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/workspaces/ws1/services/nope/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown service, got %d", rec.Code)
	}
}

func TestInvokeToolEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/workspaces/ws1/tools/invoke",
		map[string]any{"tool": "echo", "arguments": map[string]any{"msg": "hi"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var inv toolgateway.Invocation
	if err := json.Unmarshal(rec.Body.Bytes(), &inv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inv.Tool != "echo" || inv.ID == "" {
		t.Fatalf("unexpected invocation: %+v", inv)
	}
}

func TestInvokeToolValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/workspaces/ws1/tools/invoke",
		map[string]any{"arguments": map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing tool, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/workspaces/missing/tools/invoke",
		map[string]any{"tool": "echo"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown workspace, got %d", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/workspaces/ws1/sessions",
		map[string]string{"title": "review"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var session conversation.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/workspaces/ws1/sessions/"+session.ID+"/messages",
		map[string]string{"content": "hello"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/workspaces/ws1/sessions/"+session.ID+"/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var transcript []conversation.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &transcript); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(transcript) != 1 || transcript[0].Content != "hello" {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}

	rec = doJSON(t, router, http.MethodDelete, "/v1/workspaces/ws1/sessions/"+session.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/v1/workspaces/ws1/sessions/"+session.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after close, got %d", rec.Code)
	}
}

func signToken(t *testing.T, secret, issuer, userID string) string {
	t.Helper()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Auth = config.AuthConfig{Secret: "test-secret", Issuer: "supervisor"}
	srv := newTestServer(t, cfg)
	router := srv.Router()

	// Health stays open.
	if rec := doJSON(t, router, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health must skip auth, got %d", rec.Code)
	}

	// API routes require a token.
	if rec := doJSON(t, router, http.MethodGet, "/v1/services/status", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/services/status", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret", "supervisor", "u1"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/services/status", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "wrong-secret", "supervisor", "u1"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad signature, got %d", rec.Code)
	}
}

func TestAuthRejectsWrongIssuer(t *testing.T) {
	cfg := config.Default()
	cfg.Auth = config.AuthConfig{Secret: "test-secret", Issuer: "supervisor"}
	srv := newTestServer(t, cfg)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/services/status", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret", "someone-else", "u1"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong issuer, got %d", rec.Code)
	}
}
