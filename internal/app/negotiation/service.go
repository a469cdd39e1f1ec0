// Package negotiation implements the agent negotiation session engine: the
// session state machine, quote collection and selection, the deadline
// sweeper, and token settlement on completion.
//
// Every transition is a single guarded write in the store (compare-and-swap
// on status/deadline/extension columns), so racing writers — a requester
// selecting a quote against the sweeper timing the session out — produce
// exactly one effective transition. The loser observes ErrStateConflict and
// is expected to re-read state rather than retry blindly.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dalali-network/dalali/internal/domain"
	"github.com/dalali-network/dalali/internal/infra/observability"
)

// Config carries the engine's policy knobs.
type Config struct {
	DefaultSLA         time.Duration // deadline window when the caller omits one
	MaxSLA             time.Duration // upper bound on a caller-supplied window
	ExtensionIncrement time.Duration // fixed deadline bump per extension
	MaxExtensions      int           // extension cap per session
	CommissionTokens   int64         // flat commission charged at settlement
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultSLA:         10 * time.Minute,
		MaxSLA:             2 * time.Hour,
		ExtensionIncrement: 2 * time.Minute,
		MaxExtensions:      2,
		CommissionTokens:   5,
	}
}

// Scorer computes a ranking score for an incoming quote. Implementations may
// inspect the opaque offer payload; the engine itself never does. A nil
// return leaves the quote unscored (ranked after scored quotes).
type Scorer interface {
	Score(session *domain.Session, quote *domain.Quote) *float64
}

// Service is the session state machine. Safe for concurrent use.
type Service struct {
	sessions   domain.SessionStore
	quotes     domain.QuoteStore
	settlement *Settlement
	events     domain.EventSink
	scorer     Scorer
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithEvents wires a structured event sink.
func WithEvents(sink domain.EventSink) Option {
	return func(s *Service) { s.events = sink }
}

// WithScorer wires a pluggable quote scorer.
func WithScorer(sc Scorer) Option {
	return func(s *Service) { s.scorer = sc }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source. Tests use this to advance the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the session engine.
func NewService(sessions domain.SessionStore, quotes domain.QuoteStore, settlement *Settlement, cfg Config, opts ...Option) *Service {
	if cfg.DefaultSLA <= 0 {
		cfg.DefaultSLA = DefaultConfig().DefaultSLA
	}
	if cfg.MaxSLA <= 0 {
		cfg.MaxSLA = DefaultConfig().MaxSLA
	}
	if cfg.ExtensionIncrement <= 0 {
		cfg.ExtensionIncrement = DefaultConfig().ExtensionIncrement
	}
	if cfg.MaxExtensions <= 0 {
		cfg.MaxExtensions = DefaultConfig().MaxExtensions
	}
	s := &Service{
		sessions:   sessions,
		quotes:     quotes,
		settlement: settlement,
		logger:     slog.With("component", "negotiation"),
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest carries the inputs for a new session.
type CreateRequest struct {
	RequesterID     string
	Flow            domain.FlowType
	AgentType       string
	RequestData     domain.Payload
	SLAMinutes      int
	BrokerProfileID string
}

// CreateSession starts a new negotiation for the requester. At most one
// outstanding session per (requester, flow) is allowed; a second create
// while one is active fails with ErrStateConflict.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest) (*domain.Session, error) {
	if req.RequesterID == "" {
		return nil, fmt.Errorf("requester id required: %w", domain.ErrValidation)
	}
	if req.Flow == "" {
		return nil, fmt.Errorf("flow type required: %w", domain.ErrValidation)
	}

	sla := s.cfg.DefaultSLA
	if req.SLAMinutes > 0 {
		sla = time.Duration(req.SLAMinutes) * time.Minute
		if sla > s.cfg.MaxSLA {
			return nil, fmt.Errorf("sla window exceeds %s: %w", s.cfg.MaxSLA, domain.ErrValidation)
		}
	}

	existing, err := s.sessions.FindActiveSession(ctx, req.RequesterID, req.Flow)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("session %s is still active for this requester and flow: %w",
			existing.ID, domain.ErrStateConflict)
	}

	now := s.now().UTC()
	sess := &domain.Session{
		ID:              uuid.NewString(),
		RequesterID:     req.RequesterID,
		Flow:            req.Flow,
		AgentType:       req.AgentType,
		Status:          domain.SessionSearching,
		RequestData:     req.RequestData,
		StartedAt:       now,
		DeadlineAt:      now.Add(sla),
		MaxExtensions:   s.cfg.MaxExtensions,
		BrokerProfileID: req.BrokerProfileID,
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	observability.SessionTransitions.WithLabelValues(string(domain.SessionSearching)).Inc()
	s.emit(ctx, domain.SessionEvent{
		Kind:      domain.EventSessionCreated,
		SessionID: sess.ID,
		Status:    sess.Status,
		At:        now,
	})
	s.logger.Info("session created",
		"session_id", sess.ID, "flow", sess.Flow, "deadline_at", sess.DeadlineAt)
	return sess, nil
}

// SubmitQuote records a vendor offer. The first quote moves the session
// searching → negotiating. A resubmission by the same vendor contact
// supersedes the earlier quote as a counter-offer. Fails with
// ErrSessionNotActive once the session is terminal or past its deadline.
func (s *Service) SubmitQuote(ctx context.Context, sessionID, vendorContact string, meta domain.VendorMeta, offer domain.Payload, expiresAt *time.Time) (*domain.Quote, error) {
	if vendorContact == "" {
		return nil, fmt.Errorf("vendor contact required: %w", domain.ErrValidation)
	}

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !sess.Status.Active() || sess.Expired(now) {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotActive)
	}

	quote := &domain.Quote{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		VendorProfileID: meta.ProfileID,
		VendorContact:   vendorContact,
		VendorType:      meta.Type,
		VendorName:      meta.Name,
		OfferData:       offer,
		Status:          domain.QuoteReceived,
		RespondedAt:     now,
		ExpiresAt:       expiresAt,
	}
	if s.scorer != nil {
		quote.RankingScore = s.scorer.Score(sess, quote)
	}

	stored, created, err := s.quotes.UpsertQuote(ctx, quote, now)
	if err != nil {
		return nil, err
	}
	if created {
		observability.QuotesSubmitted.WithLabelValues("created").Inc()
	} else {
		observability.QuotesSubmitted.WithLabelValues("superseded").Inc()
	}

	changed, err := s.sessions.MarkNegotiating(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}
	if changed {
		observability.SessionTransitions.WithLabelValues(string(domain.SessionNegotiating)).Inc()
	}

	s.emit(ctx, domain.SessionEvent{
		Kind:      domain.EventQuoteReceived,
		SessionID: sessionID,
		QuoteID:   stored.ID,
		At:        now,
	})
	return stored, nil
}

// SelectQuote completes the session with the given quote. The guarded write
// is what decides a race against the sweeper: whichever transition's
// precondition holds first wins, the other fails with ErrStateConflict or
// ErrSessionNotActive. Settlement runs after completion and its failure
// never rolls the completion back.
func (s *Service) SelectQuote(ctx context.Context, sessionID, quoteID string) (*domain.Session, error) {
	quote, err := s.quotes.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if quote.SessionID != sessionID {
		return nil, fmt.Errorf("quote %s does not belong to session %s: %w",
			quoteID, sessionID, domain.ErrValidation)
	}
	if !quote.Status.Selectable() {
		return nil, fmt.Errorf("quote %s is %s: %w", quoteID, quote.Status, domain.ErrQuoteNotSelectable)
	}

	now := s.now().UTC()
	if err := s.sessions.CompleteSession(ctx, sessionID, quoteID, now); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			observability.StateConflicts.WithLabelValues("select_quote").Inc()
		}
		return nil, err
	}
	observability.SessionTransitions.WithLabelValues(string(domain.SessionCompleted)).Inc()

	if err := s.quotes.AcceptQuote(ctx, quoteID, now); err != nil {
		// The session is already completed; a quote-side guard miss here
		// is recorded, not propagated.
		s.logger.Warn("accept quote after completion failed",
			"session_id", sessionID, "quote_id", quoteID, "error", err)
	}

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, domain.SessionEvent{
		Kind:      domain.EventQuoteSelected,
		SessionID: sessionID,
		QuoteID:   quoteID,
		Status:    sess.Status,
		At:        now,
	})
	s.logger.Info("quote selected", "session_id", sessionID, "quote_id", quoteID)

	if s.settlement != nil {
		s.settlement.Settle(ctx, sess, quote)
	}
	return sess, nil
}

// ExtendDeadline pushes the deadline forward by the fixed increment, capped
// by the session's max_extensions.
func (s *Service) ExtendDeadline(ctx context.Context, sessionID string) (*domain.Session, error) {
	now := s.now().UTC()
	sess, err := s.sessions.ExtendSession(ctx, sessionID, s.cfg.ExtensionIncrement, now)
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			observability.StateConflicts.WithLabelValues("extend_deadline").Inc()
		}
		return nil, err
	}

	s.emit(ctx, domain.SessionEvent{
		Kind:      domain.EventSessionExtended,
		SessionID: sessionID,
		Status:    sess.Status,
		Detail:    fmt.Sprintf("deadline extended to %s", sess.DeadlineAt.Format(time.RFC3339)),
		At:        now,
	})
	s.logger.Info("deadline extended",
		"session_id", sessionID, "deadline_at", sess.DeadlineAt, "extensions", sess.ExtensionsCount)
	return sess, nil
}

// Cancel moves an active session to cancelled.
func (s *Service) Cancel(ctx context.Context, sessionID, reason string) (*domain.Session, error) {
	now := s.now().UTC()
	if err := s.sessions.CancelSession(ctx, sessionID, reason, now); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			observability.StateConflicts.WithLabelValues("cancel").Inc()
		}
		return nil, err
	}
	observability.SessionTransitions.WithLabelValues(string(domain.SessionCancelled)).Inc()

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, domain.SessionEvent{
		Kind:      domain.EventSessionCancel,
		SessionID: sessionID,
		Status:    sess.Status,
		Detail:    reason,
		At:        now,
	})
	return sess, nil
}

// Present marks ranked quotes as shown to the requester
// (negotiating → presenting).
func (s *Service) Present(ctx context.Context, sessionID string) (*domain.Session, error) {
	if err := s.sessions.MarkPresenting(ctx, sessionID); err != nil {
		return nil, err
	}
	observability.SessionTransitions.WithLabelValues(string(domain.SessionPresenting)).Inc()
	return s.sessions.GetSession(ctx, sessionID)
}

// Fail moves a session to error after an unrecoverable internal fault so it
// never sits active with no deadline progress.
func (s *Service) Fail(ctx context.Context, sessionID, message string) error {
	now := s.now().UTC()
	if err := s.sessions.FailSession(ctx, sessionID, message, now); err != nil {
		return err
	}
	observability.SessionTransitions.WithLabelValues(string(domain.SessionError)).Inc()
	s.emit(ctx, domain.SessionEvent{
		Kind:      domain.EventSessionFailed,
		SessionID: sessionID,
		Status:    domain.SessionError,
		Detail:    message,
		At:        now,
	})
	s.logger.Error("session failed", "session_id", sessionID, "error_message", message)
	return nil
}

// Detail returns the session and its quotes ranked best-first.
func (s *Service) Detail(ctx context.Context, sessionID string) (*domain.Session, []domain.Quote, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	quotes, err := s.quotes.ListQuotes(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return sess, quotes, nil
}

func (s *Service) emit(ctx context.Context, ev domain.SessionEvent) {
	if s.events != nil {
		s.events.Emit(ctx, ev)
	}
}
