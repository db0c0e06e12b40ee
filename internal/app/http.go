// Package app exposes the control surface of syncd: health/readiness probes
// and scope activation endpoints.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tessera/syncd/internal/auth"
	"tessera/syncd/internal/engine"
	"tessera/syncd/internal/identity"
	"tessera/syncd/internal/logger"
)

// SyncController is the engine surface the HTTP server drives.
type SyncController interface {
	StartSync(ctx context.Context, threadID int64, viewer identity.Viewer) (*engine.Scope, engine.InitialSyncStatus, error)
	Stop(ctx context.Context, threadID int64)
	Active() []engine.ScopeStatus
}

// Pinger is a connectivity check used by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	controller  SyncController
	checks      map[string]Pinger
	tokenSecret []byte
}

// NewHTTPServer wires the control surface. checks maps a readiness check
// name (e.g. "rowstore", "cache") to its pinger. With a non-empty
// tokenSecret the sync endpoints require a signed viewer token and the
// viewer identity comes from its claims instead of the request body.
func NewHTTPServer(controller SyncController, checks map[string]Pinger, tokenSecret []byte) *HTTPServer {
	return &HTTPServer{controller: controller, checks: checks, tokenSecret: tokenSecret}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/sync/threads" {
		writeJSON(w, http.StatusOK, map[string]any{"threads": s.controller.Active()})
		return
	}

	if threadID, ok := threadPath(r.URL.Path); ok {
		switch r.Method {
		case http.MethodPost:
			s.handleStart(w, r, threadID)
			return
		case http.MethodDelete:
			s.controller.Stop(r.Context(), threadID)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ok := true
	checks := map[string]any{}
	for name, pinger := range s.checks {
		if err := pinger.Ping(ctx); err != nil {
			ok = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks[name] = map[string]any{"status": "ok"}
		}
	}

	statusCode := http.StatusOK
	if !ok {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{"ok": ok, "checks": checks})
}

type startSyncInput struct {
	UserID      string `json:"user_id"`
	CanModerate bool   `json:"can_moderate"`
}

func (s *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request, threadID int64) {
	viewer, ok := s.resolveViewer(w, r)
	if !ok {
		return
	}
	_, status, err := s.controller.StartSync(r.Context(), threadID, viewer)
	if err != nil {
		writeError(w, http.StatusBadGateway, "SUBSCRIBE_FAILED", "Could not subscribe to the change feed", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":    threadID,
		"initial_sync": status,
	})
}

// resolveViewer determines the viewer a scope projects for. In token mode
// the identity comes from verified claims; otherwise the request body is
// trusted.
func (s *HTTPServer) resolveViewer(w http.ResponseWriter, r *http.Request) (identity.Viewer, bool) {
	if len(s.tokenSecret) > 0 {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing viewer token", nil)
			return identity.Viewer{}, false
		}
		claims, err := auth.ParseToken(s.tokenSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid viewer token", nil)
			return identity.Viewer{}, false
		}
		return identity.Viewer{UserID: claims.Sub, CanModerate: claims.CanModerate}, true
	}

	var input startSyncInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return identity.Viewer{}, false
	}
	return identity.Viewer{UserID: input.UserID, CanModerate: input.CanModerate}, true
}

// threadPath extracts the thread id from /api/sync/threads/{id}.
func threadPath(path string) (int64, bool) {
	rest, ok := strings.CutPrefix(path, "/api/sync/threads/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := logger.NewContextWithFields(r.Context(), logrus.Fields{"request_id": requestID})
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("Content-Type", "application/json")
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		logger.For(ctx).WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		// An empty body means "no viewer context"; only malformed JSON is an
		// error.
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
