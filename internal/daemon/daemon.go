package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/dalali-network/dalali/internal/api"
	"github.com/dalali-network/dalali/internal/app/dispatch"
	"github.com/dalali-network/dalali/internal/app/gateway"
	"github.com/dalali-network/dalali/internal/app/negotiation"
	"github.com/dalali-network/dalali/internal/domain"
	"github.com/dalali-network/dalali/internal/infra/reputation"
	"github.com/dalali-network/dalali/internal/infra/sqlite"
)

const maintenanceInterval = 10 * time.Minute

// Daemon is the long-running engine process.
type Daemon struct {
	cfg        Config
	db         *sqlite.DB
	gw         *gateway.Gateway
	sweeper    *negotiation.Sweeper
	dispatcher *dispatch.Dispatcher
	reputation *reputation.Tracker
	server     *http.Server
	logger     *slog.Logger
}

// New opens storage and wires the engine from cfg.
func New(cfg Config) (*Daemon, error) {
	setupLogging(cfg.Logging.Level)

	dir, err := cfg.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	db, err := sqlite.Open(dir)
	if err != nil {
		return nil, err
	}

	tracker := reputation.NewTracker(reputation.DefaultTrackerConfig())

	dispatcher := dispatch.New(dispatch.DefaultConfig())
	dispatcher.Subscribe(&logHandler{logger: slog.With("component", "events")})
	dispatcher.Subscribe(&reputationFeed{
		sessions: db,
		quotes:   db,
		tracker:  tracker,
		logger:   slog.With("component", "reputation"),
	})

	settle := negotiation.NewSettlement(db, db, cfg.Ledger.CommissionTokens)
	settle.SetEvents(dispatcher)

	svc := negotiation.NewService(db, db, settle, negotiation.Config{
		DefaultSLA:         parseDuration(cfg.Session.DefaultSLA, 10*time.Minute),
		MaxSLA:             parseDuration(cfg.Session.MaxSLA, 2*time.Hour),
		ExtensionIncrement: parseDuration(cfg.Session.ExtensionStep, 2*time.Minute),
		MaxExtensions:      cfg.Session.MaxExtensions,
		CommissionTokens:   cfg.Ledger.CommissionTokens,
	},
		negotiation.WithEvents(dispatcher),
		negotiation.WithScorer(tracker))

	gw := gateway.New(db)

	sweeper := negotiation.NewSweeper(db, db,
		parseDuration(cfg.Sweeper.Interval, 30*time.Second),
		parseDuration(cfg.Sweeper.WarnWithin, 2*time.Minute),
		negotiation.WithSweeperEvents(dispatcher),
		negotiation.WithSettlementRetry(settle))

	srv := api.NewServer(api.NewSessionAPI(svc, gw), api.NewProfileAPI(db, gw))
	srv.SetSweepHandler(api.SweepHandler(sweeper))
	if cfg.Metrics.Enabled {
		srv.EnableMetrics()
	}

	return &Daemon{
		cfg:        cfg,
		db:         db,
		gw:         gw,
		sweeper:    sweeper,
		dispatcher: dispatcher,
		reputation: tracker,
		server: &http.Server{
			Addr:              cfg.API.Addr(),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: slog.With("component", "daemon"),
	}, nil
}

// Run serves until ctx is cancelled, then shuts down cleanly.
func (d *Daemon) Run(ctx context.Context) error {
	d.dispatcher.Start(ctx)
	go d.sweeper.Run(ctx)
	go d.maintenanceLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("listening", "addr", d.server.Addr)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		d.db.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("http shutdown", "error", err)
	}
	d.dispatcher.Wait()
	d.logger.Info("daemon stopped")
	return d.db.Close()
}

// maintenanceLoop runs slow housekeeping: idempotency record eviction and
// reputation decay for vendors that stopped quoting.
func (d *Daemon) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.gw.Purge(ctx)
			if err != nil {
				d.logger.Error("idempotency purge", "error", err)
			} else if n > 0 {
				d.logger.Info("idempotency purge", "removed", n)
			}
			if decayed := d.reputation.ApplyDecay(); decayed > 0 {
				d.logger.Info("reputation decay", "vendors", decayed)
			}
		}
	}
}

// setupLogging installs the default slog handler at the configured level.
func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// logHandler writes session events to the structured log. It stands in for
// the conversational layer, which consumes the same events over its own
// channel.
type logHandler struct {
	logger *slog.Logger
}

func (h *logHandler) Handle(_ context.Context, ev domain.SessionEvent) {
	h.logger.Info("session event",
		"kind", ev.Kind,
		"session_id", ev.SessionID,
		"quote_id", ev.QuoteID,
		"status", ev.Status,
		"detail", ev.Detail)
}

// reputationFeed folds session outcomes into vendor reputation: a selected
// quote is a win for its vendor and a loss for the rest, a timed-out session
// is a loss for everyone who quoted.
type reputationFeed struct {
	sessions domain.SessionStore
	quotes   domain.QuoteStore
	tracker  *reputation.Tracker
	logger   *slog.Logger
}

func (f *reputationFeed) Handle(ctx context.Context, ev domain.SessionEvent) {
	if ev.Kind != domain.EventQuoteSelected && ev.Kind != domain.EventSessionTimeout {
		return
	}

	sess, err := f.sessions.GetSession(ctx, ev.SessionID)
	if err != nil {
		f.logger.Warn("load session for reputation", "session_id", ev.SessionID, "error", err)
		return
	}
	quotes, err := f.quotes.ListQuotes(ctx, ev.SessionID)
	if err != nil {
		f.logger.Warn("load quotes for reputation", "session_id", ev.SessionID, "error", err)
		return
	}

	window := sess.DeadlineAt.Sub(sess.StartedAt)
	for i := range quotes {
		q := &quotes[i]
		f.tracker.GetOrRegister(q.VendorContact)
		outcome := reputation.QuoteOutcome{
			Won:           ev.Kind == domain.EventQuoteSelected && q.ID == ev.QuoteID,
			ResponseDelay: q.RespondedAt.Sub(sess.StartedAt),
			Window:        window,
		}
		if err := f.tracker.RecordOutcome(q.VendorContact, outcome); err != nil {
			f.logger.Warn("record outcome", "vendor", q.VendorContact, "error", err)
		}
	}
}
