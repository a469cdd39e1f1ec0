package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dalali-network/dalali/internal/app/gateway"
	"github.com/dalali-network/dalali/internal/app/negotiation"
	"github.com/dalali-network/dalali/internal/domain"
)

// SessionAPI serves the session command endpoints.
type SessionAPI struct {
	svc    *negotiation.Service
	gw     *gateway.Gateway
	logger *slog.Logger
}

// NewSessionAPI creates the session endpoint handlers.
func NewSessionAPI(svc *negotiation.Service, gw *gateway.Gateway) *SessionAPI {
	return &SessionAPI{svc: svc, gw: gw, logger: slog.With("component", "api")}
}

type createSessionRequest struct {
	RequesterID     string         `json:"requester_id"`
	FlowType        string         `json:"flow_type"`
	AgentType       string         `json:"agent_type,omitempty"`
	RequestData     domain.Payload `json:"request_data,omitempty"`
	SLAMinutes      int            `json:"sla_minutes,omitempty"`
	BrokerProfileID string         `json:"broker_profile_id,omitempty"`
}

type sessionDetailResponse struct {
	Session *domain.Session `json:"session"`
	Quotes  []domain.Quote  `json:"quotes"`
}

// HandleCreate starts a new negotiation session.
// POST /api/sessions
func (a *SessionAPI) HandleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	a.runIdempotent(w, r, body, func(ctx context.Context) gateway.Result {
		sess, err := a.svc.CreateSession(ctx, negotiation.CreateRequest{
			RequesterID:     req.RequesterID,
			Flow:            domain.FlowType(req.FlowType),
			AgentType:       req.AgentType,
			RequestData:     req.RequestData,
			SLAMinutes:      req.SLAMinutes,
			BrokerProfileID: req.BrokerProfileID,
		})
		if err != nil {
			return resultError(err)
		}
		return resultJSON(http.StatusCreated, sess)
	})
}

// HandleGet returns the session and its quotes ranked best-first.
// GET /api/sessions/{id}
func (a *SessionAPI) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, quotes, err := a.svc.Detail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if quotes == nil {
		quotes = []domain.Quote{}
	}
	writeJSON(w, http.StatusOK, sessionDetailResponse{Session: sess, Quotes: quotes})
}

type updateSessionRequest struct {
	Status             string `json:"status,omitempty"`
	SelectedQuoteID    string `json:"selected_quote_id,omitempty"`
	CancellationReason string `json:"cancellation_reason,omitempty"`
	ExtendDeadline     bool   `json:"extend_deadline,omitempty"`
}

// HandleUpdate applies exactly one session mutation: select a winning quote,
// cancel, extend the deadline, or mark quotes presented.
// PATCH /api/sessions/{id}
func (a *SessionAPI) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req updateSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	actions := 0
	if req.SelectedQuoteID != "" {
		actions++
	}
	if req.ExtendDeadline {
		actions++
	}
	if req.Status != "" {
		actions++
	}
	if actions != 1 {
		writeError(w, http.StatusBadRequest,
			"exactly one of selected_quote_id, extend_deadline, or status must be set")
		return
	}

	a.runIdempotent(w, r, body, func(ctx context.Context) gateway.Result {
		var (
			sess *domain.Session
			err  error
		)
		switch {
		case req.SelectedQuoteID != "":
			sess, err = a.svc.SelectQuote(ctx, id, req.SelectedQuoteID)
		case req.ExtendDeadline:
			sess, err = a.svc.ExtendDeadline(ctx, id)
		case req.Status == string(domain.SessionCancelled):
			sess, err = a.svc.Cancel(ctx, id, req.CancellationReason)
		case req.Status == string(domain.SessionPresenting):
			sess, err = a.svc.Present(ctx, id)
		default:
			return resultJSON(http.StatusBadRequest, errorBody("status must be cancelled or presenting"))
		}
		if err != nil {
			return resultError(err)
		}
		return resultJSON(http.StatusOK, sess)
	})
}

type submitQuoteRequest struct {
	VendorContact string            `json:"vendor_contact"`
	Vendor        domain.VendorMeta `json:"vendor,omitempty"`
	OfferData     domain.Payload    `json:"offer_data,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
}

// HandleSubmitQuote records a vendor offer against a session.
// POST /api/sessions/{id}/quotes
func (a *SessionAPI) HandleSubmitQuote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req submitQuoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	a.runIdempotent(w, r, body, func(ctx context.Context) gateway.Result {
		quote, err := a.svc.SubmitQuote(ctx, id, req.VendorContact, req.Vendor, req.OfferData, req.ExpiresAt)
		if err != nil {
			return resultError(err)
		}
		return resultJSON(http.StatusCreated, quote)
	})
}

// runIdempotent routes the handler's effect through the idempotency gateway
// when the caller supplied an Idempotency-Key header. Without one the
// operation runs unguarded, which is logged so misbehaving clients show up.
func (a *SessionAPI) runIdempotent(w http.ResponseWriter, r *http.Request, body []byte, fn func(context.Context) gateway.Result) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || a.gw == nil {
		a.logger.Debug("unguarded mutation", "method", r.Method, "path", r.URL.Path)
		writeResult(w, fn(r.Context()), false)
		return
	}

	hash := gateway.HashRequest([]byte(r.Method), []byte(r.URL.Path), body)
	res, replayed, err := a.gw.Do(r.Context(), key, hash, fn)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeResult(w, res, replayed)
}

// writeResult writes a stored gateway result verbatim.
func writeResult(w http.ResponseWriter, res gateway.Result, replayed bool) {
	if replayed {
		w.Header().Set("Idempotency-Replayed", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Status)
	w.Write(res.Body)
}

// resultJSON marshals v into a gateway result.
func resultJSON(status int, v interface{}) gateway.Result {
	b, err := json.Marshal(v)
	if err != nil {
		return gateway.Result{
			Status: http.StatusInternalServerError,
			Body:   []byte(`{"error":{"message":"failed to encode response","type":"error"}}`),
		}
	}
	return gateway.Result{Status: status, Body: b}
}

// resultError maps an engine error to a storable gateway result.
func resultError(err error) gateway.Result {
	return resultJSON(statusFor(err), errorBody(err.Error()))
}

func errorBody(msg string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	}
}

// SweepHandler triggers one sweep pass on demand.
// POST /api/sweep
func SweepHandler(sw *negotiation.Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := sw.SweepNow(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"timed_out": ids,
			"count":     len(ids),
		})
	}
}
