// Package observability defines the Prometheus metrics exported by the
// negotiation engine. Metrics are package-level promauto vars so any layer
// can record without threading a registry through constructors.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Session Metrics ────────────────────────────────────────────────────────

// SessionTransitions counts effective session state transitions by target
// status. Lost compare-and-swap races are not counted here.
var SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dalali_session_transitions_total",
	Help: "Effective session state transitions by target status.",
}, []string{"to"})

// SessionsActive tracks the number of non-terminal sessions.
var SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dalali_sessions_active",
	Help: "Number of sessions currently in a non-terminal status.",
})

// StateConflicts counts guarded writes that lost their race, by operation.
// Expected under concurrency — an incident signal only when sustained.
var StateConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dalali_state_conflicts_total",
	Help: "Compare-and-swap transition attempts that lost the race.",
}, []string{"op"})

// QuotesSubmitted counts quote submissions, split by created vs superseded.
var QuotesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dalali_quotes_submitted_total",
	Help: "Vendor quote submissions.",
}, []string{"outcome"}) // created | superseded

// ─── Sweeper Metrics ────────────────────────────────────────────────────────

// SweepDuration observes how long each sweep pass takes.
var SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "dalali_sweep_duration_seconds",
	Help:    "Duration of deadline sweep passes.",
	Buckets: prometheus.DefBuckets,
})

// SweepTimeouts counts sessions transitioned to timeout by the sweeper.
var SweepTimeouts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dalali_sweep_timeouts_total",
	Help: "Sessions expired by the deadline sweeper.",
})

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerEntries counts appended ledger entries by transaction type.
var LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dalali_ledger_entries_total",
	Help: "Ledger entries appended, by transaction type.",
}, []string{"type"})

// Settlements counts settlement attempts by outcome.
var Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dalali_settlements_total",
	Help: "Commission settlement attempts by outcome.",
}, []string{"outcome"}) // paid | due | error

// ─── Idempotency Metrics ────────────────────────────────────────────────────

// IdempotentReplays counts requests answered from a stored idempotency
// record instead of re-executing.
var IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dalali_idempotent_replays_total",
	Help: "Mutations answered from a cached idempotency record.",
})

// IdempotentTimeouts counts pending records resolved to a synthetic timeout.
var IdempotentTimeouts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dalali_idempotent_timeouts_total",
	Help: "Pending idempotency records resolved to a synthetic timeout.",
})
