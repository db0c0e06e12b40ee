package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tessera/syncd/internal/auth"
	"tessera/syncd/internal/engine"
	"tessera/syncd/internal/identity"
)

type stubController struct {
	mu       sync.Mutex
	started  []int64
	stopped  []int64
	viewers  []identity.Viewer
	startErr error
	active   []engine.ScopeStatus
}

func (c *stubController) StartSync(ctx context.Context, threadID int64, viewer identity.Viewer) (*engine.Scope, engine.InitialSyncStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return nil, "", c.startErr
	}
	c.started = append(c.started, threadID)
	c.viewers = append(c.viewers, viewer)
	return nil, engine.InitialSyncComplete, nil
}

func (c *stubController) Stop(ctx context.Context, threadID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, threadID)
}

func (c *stubController) Active() []engine.ScopeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func serve(t *testing.T, s *HTTPServer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(w.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealth(t *testing.T) {
	s := NewHTTPServer(&stubController{}, nil, nil)

	w := serve(t, s, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if payload := decode(t, w); payload["ok"] != true {
		t.Errorf("unexpected payload: %v", payload)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestReady(t *testing.T) {
	healthy := pingerFunc(func(ctx context.Context) error { return nil })
	broken := pingerFunc(func(ctx context.Context) error { return errors.New("connection refused") })

	s := NewHTTPServer(&stubController{}, map[string]Pinger{"rowstore": healthy, "cache": healthy}, nil)
	w := serve(t, s, http.MethodGet, "/api/ready", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 when all checks pass, got %d", w.Code)
	}

	s = NewHTTPServer(&stubController{}, map[string]Pinger{"rowstore": healthy, "cache": broken}, nil)
	w = serve(t, s, http.MethodGet, "/api/ready", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when a check fails, got %d", w.Code)
	}
	payload := decode(t, w)
	checks := payload["checks"].(map[string]any)
	cache := checks["cache"].(map[string]any)
	if cache["status"] != "error" {
		t.Errorf("expected cache check to report error, got %v", cache)
	}
}

func TestStartSyncEndpoint(t *testing.T) {
	controller := &stubController{}
	s := NewHTTPServer(controller, nil, nil)

	w := serve(t, s, http.MethodPost, "/api/sync/threads/42", `{"user_id":"u1","can_moderate":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	payload := decode(t, w)
	if payload["thread_id"] != float64(42) {
		t.Errorf("unexpected thread_id: %v", payload["thread_id"])
	}
	if payload["initial_sync"] != "complete" {
		t.Errorf("unexpected initial_sync: %v", payload["initial_sync"])
	}

	controller.mu.Lock()
	defer controller.mu.Unlock()
	if len(controller.started) != 1 || controller.started[0] != 42 {
		t.Fatalf("controller not invoked correctly: %v", controller.started)
	}
	if v := controller.viewers[0]; v.UserID != "u1" || !v.CanModerate {
		t.Errorf("viewer not passed through: %+v", v)
	}
}

func TestStartSyncWithoutBody(t *testing.T) {
	controller := &stubController{}
	s := NewHTTPServer(controller, nil, nil)

	w := serve(t, s, http.MethodPost, "/api/sync/threads/7", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for empty body, got %d: %s", w.Code, w.Body)
	}

	controller.mu.Lock()
	defer controller.mu.Unlock()
	if v := controller.viewers[0]; v.UserID != "" || v.CanModerate {
		t.Errorf("expected anonymous viewer, got %+v", v)
	}
}

func TestStartSyncBadRequests(t *testing.T) {
	s := NewHTTPServer(&stubController{}, nil, nil)

	w := serve(t, s, http.MethodPost, "/api/sync/threads/not-a-number", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for non-numeric id, got %d", w.Code)
	}

	w = serve(t, s, http.MethodPost, "/api/sync/threads/7", `{"user_id":`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed JSON, got %d", w.Code)
	}

	w = serve(t, s, http.MethodPost, "/api/sync/threads/7/extra", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for trailing path segment, got %d", w.Code)
	}
}

func TestStartSyncTokenMode(t *testing.T) {
	secret := []byte("control-secret")
	controller := &stubController{}
	s := NewHTTPServer(controller, nil, secret)

	// No token: rejected.
	w := serve(t, s, http.MethodPost, "/api/sync/threads/7", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	token, err := auth.IssueToken(secret, auth.Claims{
		Sub:         "u9",
		CanModerate: true,
		Exp:         time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sync/threads/7", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", w.Code, w.Body)
	}

	controller.mu.Lock()
	defer controller.mu.Unlock()
	if v := controller.viewers[0]; v.UserID != "u9" || !v.CanModerate {
		t.Errorf("viewer must come from token claims, got %+v", v)
	}
}

func TestStartSyncSubscribeFailure(t *testing.T) {
	controller := &stubController{startErr: errors.New("feed unreachable")}
	s := NewHTTPServer(controller, nil, nil)

	w := serve(t, s, http.MethodPost, "/api/sync/threads/7", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if payload := decode(t, w); payload["code"] != "SUBSCRIBE_FAILED" {
		t.Errorf("unexpected error payload: %v", payload)
	}
}

func TestStopEndpoint(t *testing.T) {
	controller := &stubController{}
	s := NewHTTPServer(controller, nil, nil)

	w := serve(t, s, http.MethodDelete, "/api/sync/threads/42", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	controller.mu.Lock()
	defer controller.mu.Unlock()
	if len(controller.stopped) != 1 || controller.stopped[0] != 42 {
		t.Errorf("controller stop not invoked: %v", controller.stopped)
	}
}

func TestListThreads(t *testing.T) {
	controller := &stubController{active: []engine.ScopeStatus{
		{ThreadID: 3, InitialSync: engine.InitialSyncComplete, Healthy: true, Passes: 2},
	}}
	s := NewHTTPServer(controller, nil, nil)

	w := serve(t, s, http.MethodGet, "/api/sync/threads", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	payload := decode(t, w)
	threads := payload["threads"].([]any)
	if len(threads) != 1 {
		t.Fatalf("expected 1 thread, got %v", threads)
	}
	first := threads[0].(map[string]any)
	if first["thread_id"] != float64(3) || first["healthy"] != true {
		t.Errorf("unexpected status payload: %v", first)
	}
}

func TestUnknownRoute(t *testing.T) {
	s := NewHTTPServer(&stubController{}, nil, nil)

	w := serve(t, s, http.MethodGet, "/api/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if payload := decode(t, w); payload["code"] != "NOT_FOUND" {
		t.Errorf("unexpected error payload: %v", payload)
	}
}
