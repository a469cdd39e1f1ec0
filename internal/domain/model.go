// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

import (
	"encoding/json"
	"time"
)

// ─── Session Types ──────────────────────────────────────────────────────────

// FlowType identifies the vertical a session negotiates in.
type FlowType string

const (
	FlowRide     FlowType = "ride"
	FlowPharmacy FlowType = "pharmacy"
	FlowHardware FlowType = "hardware"
	FlowGeneral  FlowType = "general"
)

// SessionStatus is the lifecycle state of a negotiation session.
type SessionStatus string

const (
	SessionSearching   SessionStatus = "searching"
	SessionNegotiating SessionStatus = "negotiating"
	SessionPresenting  SessionStatus = "presenting"
	SessionCompleted   SessionStatus = "completed"
	SessionTimeout     SessionStatus = "timeout"
	SessionCancelled   SessionStatus = "cancelled"
	SessionError       SessionStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionTimeout, SessionCancelled, SessionError:
		return true
	}
	return false
}

// Active reports whether the session can still accept quotes and mutations.
func (s SessionStatus) Active() bool {
	switch s {
	case SessionSearching, SessionNegotiating, SessionPresenting:
		return true
	}
	return false
}

// ActiveStatuses lists every non-terminal session status. The order is
// stable; the sqlite guards interpolate it into IN (...) clauses.
func ActiveStatuses() []SessionStatus {
	return []SessionStatus{SessionSearching, SessionNegotiating, SessionPresenting}
}

// Payload is an opaque, caller-owned structured blob. The engine stores and
// returns it but never inspects its contents.
type Payload = json.RawMessage

// Session is one bounded negotiation between a requester and a fan-out of
// vendors. Mutated only through guarded transitions; immutable once terminal.
type Session struct {
	ID          string        `json:"id"`
	RequesterID string        `json:"requester_id"`
	Flow        FlowType      `json:"flow_type"`
	AgentType   string        `json:"agent_type"`
	Status      SessionStatus `json:"status"`
	RequestData Payload       `json:"request_data,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	DeadlineAt time.Time `json:"deadline_at"`

	ExtensionsCount int `json:"extensions_count"`
	MaxExtensions   int `json:"max_extensions"`

	SelectedQuoteID    string `json:"selected_quote_id,omitempty"`
	BrokerProfileID    string `json:"broker_profile_id,omitempty"`
	CancellationReason string `json:"cancellation_reason,omitempty"`
	ErrorMessage       string `json:"error_message,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Expired reports whether the deadline has passed at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.DeadlineAt)
}

// CanExtend reports whether another deadline extension is allowed.
func (s *Session) CanExtend() bool {
	return s.Status.Active() && s.ExtensionsCount < s.MaxExtensions
}

// ─── Quote Types ────────────────────────────────────────────────────────────

// QuoteStatus is the lifecycle state of a vendor offer.
type QuoteStatus string

const (
	QuotePending        QuoteStatus = "pending"
	QuoteReceived       QuoteStatus = "received"
	QuoteAccepted       QuoteStatus = "accepted"
	QuoteRejected       QuoteStatus = "rejected"
	QuoteExpired        QuoteStatus = "expired"
	QuoteWithdrawn      QuoteStatus = "withdrawn"
	QuoteCounterOffered QuoteStatus = "counter_offered"
)

// Selectable reports whether the quote can still win the session.
func (s QuoteStatus) Selectable() bool {
	switch s {
	case QuotePending, QuoteReceived, QuoteCounterOffered:
		return true
	}
	return false
}

// Quote is a single vendor's offer within a session. Never deleted — only
// status-transitioned, preserving the audit trail. At most one quote exists
// per (session, vendor contact); a resubmission supersedes the earlier one.
type Quote struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	// VendorProfileID is empty for anonymous offers; VendorContact is
	// always required and unique within the session.
	VendorProfileID string `json:"vendor_profile_id,omitempty"`
	VendorContact   string `json:"vendor_contact"`
	VendorType      string `json:"vendor_type,omitempty"`
	VendorName      string `json:"vendor_name,omitempty"`

	OfferData Payload     `json:"offer_data,omitempty"`
	Status    QuoteStatus `json:"status"`

	RespondedAt  time.Time  `json:"responded_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RankingScore *float64   `json:"ranking_score,omitempty"`
}

// VendorMeta carries vendor identity fields for a quote submission.
type VendorMeta struct {
	ProfileID string `json:"profile_id,omitempty"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"name,omitempty"`
}

// ─── Session Events ─────────────────────────────────────────────────────────

// EventKind classifies a structured session event.
type EventKind string

const (
	EventSessionCreated  EventKind = "session_created"
	EventQuoteReceived   EventKind = "quote_received"
	EventQuoteSelected   EventKind = "quote_selected"
	EventSessionExtended EventKind = "session_extended"
	EventSessionExpiring EventKind = "session_expiring"
	EventSessionTimeout  EventKind = "session_timeout"
	EventSessionCancel   EventKind = "session_cancelled"
	EventSessionFailed   EventKind = "session_failed"
	EventSettlementDone  EventKind = "settlement_done"
	EventSettlementDue   EventKind = "settlement_due"
)

// SessionEvent is emitted by the engine after every effective transition.
// The conversational layer consumes these to drive user-facing messaging.
type SessionEvent struct {
	Kind      EventKind     `json:"kind"`
	SessionID string        `json:"session_id"`
	QuoteID   string        `json:"quote_id,omitempty"`
	Status    SessionStatus `json:"status,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	At        time.Time     `json:"at"`
}
