// Package server is the HTTP ingress: the source webhook endpoint, the queue
// push endpoint, the reconcile trigger, and health.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/steveyegge/capsync/internal/engine"
	"github.com/steveyegge/capsync/internal/types"
)

// signatureHeader carries the webhook HMAC, base64 over the raw body.
const signatureHeader = "X-Todoist-Hmac-SHA256"

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// ServerConfig configures the ingress server.
type ServerConfig struct {
	Engine         *engine.Engine
	WebhookSecret  []byte
	ReconcileToken string
	DefaultTZ      string
}

// Server handles ingress HTTP.
type Server struct {
	cfg ServerConfig
	mux *http.ServeMux
}

// NewServer builds the ingress server and its routes.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.mux.HandleFunc("/webhook", s.handleWebhook)
	s.mux.HandleFunc("/enqueue", s.handleEnqueue)
	s.mux.HandleFunc("/reconcile", s.handleReconcile)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// validSignature checks the webhook HMAC over the raw body.
func (s *Server) validSignature(body []byte, header string) bool {
	if len(s.cfg.WebhookSecret) == 0 || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, s.cfg.WebhookSecret)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(header)) == 1
}

// handleWebhook validates the signature, translates the event, and enqueues.
// Always 2xx once accepted for processing; intake never blocks on sync work.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !s.validSignature(body, r.Header.Get(signatureHeader)) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var evt engine.WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}
	msg, err := engine.TranslateEvent(&evt, s.cfg.DefaultTZ)
	if err != nil {
		log.Printf("[webhook] %s: %v", evt.EventName, err)
		http.Error(w, "malformed event data", http.StatusBadRequest)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusOK) // untracked event type
		return
	}

	if err := s.cfg.Engine.Enqueue(r.Context(), msg); err != nil {
		// A failed publish never reached the queue, so its redelivery
		// cannot help; a 503 tells the source to redeliver this event.
		log.Printf("[webhook] enqueue %s: %v", msg.SourceItemID, err)
		http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// pushEnvelope wraps a SyncMessage on the queue push endpoint.
type pushEnvelope struct {
	Message *types.SyncMessage `json:"message"`
}

// handleEnqueue accepts a wrapped SyncMessage (message-bus push delivery).
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var env pushEnvelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&env); err != nil || env.Message == nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}
	if env.Message.SourceItemID == "" || env.Message.Action == "" {
		http.Error(w, "incomplete message", http.StatusBadRequest)
		return
	}
	if env.Message.Source == "" {
		env.Message.Source = types.SourceManual
	}
	if err := s.cfg.Engine.Enqueue(r.Context(), env.Message); err != nil {
		http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleReconcile triggers a synchronous pass and returns the summary.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	summary, err := s.cfg.Engine.Reconcile(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[reconcile] triggered pass failed: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}

// handleHealth reports liveness, degraded to 503 after auth failures.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.cfg.Engine.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// authorized checks the bearer token on operator endpoints.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.ReconcileToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.ReconcileToken)) == 1
}
