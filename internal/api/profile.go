package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dalali-network/dalali/internal/app/gateway"
	"github.com/dalali-network/dalali/internal/domain"
)

const defaultEntryLimit = 50

// ProfileAPI serves the token ledger endpoints for a profile.
type ProfileAPI struct {
	ledger domain.LedgerStore
	gw     *gateway.Gateway
	logger *slog.Logger
}

// NewProfileAPI creates the profile endpoint handlers.
func NewProfileAPI(ledger domain.LedgerStore, gw *gateway.Gateway) *ProfileAPI {
	return &ProfileAPI{ledger: ledger, gw: gw, logger: slog.With("component", "api")}
}

// HandleBalance returns the profile's current token balance.
// GET /api/profiles/{id}/balance
func (a *ProfileAPI) HandleBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := a.ledger.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandleEntries returns the profile's most recent ledger entries.
// GET /api/profiles/{id}/entries?limit=N
func (a *ProfileAPI) HandleEntries(w http.ResponseWriter, r *http.Request) {
	limit := defaultEntryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := a.ledger.ListEntries(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

type creditRequest struct {
	Amount   int64          `json:"amount"`
	Metadata domain.Payload `json:"metadata,omitempty"`
}

// HandleCredit tops up the profile's balance.
// POST /api/profiles/{id}/credits
func (a *ProfileAPI) HandleCredit(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req creditRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive token count")
		return
	}

	fn := func(ctx context.Context) gateway.Result {
		balance, entryID, err := a.ledger.ApplyDelta(ctx, profileID, req.Amount, domain.TxTopUp, req.Metadata)
		if err != nil {
			return resultError(err)
		}
		a.logger.Info("balance credited",
			"profile_id", profileID, "amount", req.Amount, "balance", balance)
		return resultJSON(http.StatusCreated, map[string]interface{}{
			"profile_id": profileID,
			"balance":    balance,
			"entry_id":   entryID,
		})
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" || a.gw == nil {
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
