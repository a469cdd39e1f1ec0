// Package api exposes the negotiation engine over HTTP: session commands,
// quote submission, profile ledger queries, and a manual sweep trigger.
// Every mutating endpoint is fronted by the idempotency gateway when the
// caller supplies an Idempotency-Key header.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dalali-network/dalali/internal/domain"
)

// Server is the engine's HTTP API server.
type Server struct {
	sessions       *SessionAPI
	profiles       *ProfileAPI
	sweep          http.HandlerFunc
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(sessions *SessionAPI, profiles *ProfileAPI) *Server {
	return &Server{sessions: sessions, profiles: profiles}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetSweepHandler wires the manual sweep trigger (POST /api/sweep).
func (s *Server) SetSweepHandler(h http.HandlerFunc) { s.sweep = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": "0.1.0",
		})
	})

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.sessions.HandleCreate)
		r.Get("/{id}", s.sessions.HandleGet)
		r.Patch("/{id}", s.sessions.HandleUpdate)
		r.Post("/{id}/quotes", s.sessions.HandleSubmitQuote)
	})

	r.Route("/api/profiles/{id}", func(r chi.Router) {
		r.Get("/balance", s.profiles.HandleBalance)
		r.Get("/entries", s.profiles.HandleEntries)
		r.Post("/credits", s.profiles.HandleCredit)
	})

	if s.sweep != nil {
		r.Post("/api/sweep", s.sweep)
	}

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// writeDomainError maps an engine error to its HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

// statusFor maps domain sentinel errors to HTTP status codes. A terminal or
// expired session is 410 Gone rather than 409: the resource can never accept
// the mutation again, so retrying is pointless.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionNotActive):
		return http.StatusGone
	case errors.Is(err, domain.ErrStateConflict),
		errors.Is(err, domain.ErrQuoteNotSelectable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
