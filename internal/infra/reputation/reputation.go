// Package reputation implements EMA-based scoring for vendors from their
// quote history. The tracker doubles as the engine's quote scorer: incoming
// quotes get ranked by how their vendor has performed so far.
//
// Each vendor has 3 reputation components:
//   - Conversion: do this vendor's quotes get selected?
//   - Responsiveness: how fast do quotes arrive relative to the SLA window?
//   - Longevity: how long has the vendor been quoting?
//
// Overall = 0.45×conversion + 0.35×responsiveness + 0.20×longevity − penalties
package reputation

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dalali-network/dalali/internal/domain"
)

const (
	// Component weights (sum to 1.0 before penalty deduction)
	WeightConversion     = 0.45
	WeightResponsiveness = 0.35
	WeightLongevity      = 0.20

	// PenaltyWeight is the deduction factor for accumulated penalties.
	PenaltyWeight = 0.05

	// AlphaNormal is the EMA smoothing factor for established vendors.
	// Low α = slow adaptation = resistant to manipulation.
	AlphaNormal = 0.1

	// AlphaColdStart is used for a vendor's first ColdStartQuotes outcomes.
	AlphaColdStart = 0.3

	// ColdStartQuotes is how many outcomes before switching to normal α.
	ColdStartQuotes = 10

	// DefaultReputation for brand new vendors (neutral).
	DefaultReputation = 0.5

	// FloorReputation is the minimum score — vendors always get a second chance.
	FloorReputation = 0.1

	// CeilingReputation is the absolute maximum.
	CeilingReputation = 1.0

	// DecayRatePerWeek is the weekly decay for inactive vendors (1%).
	DecayRatePerWeek = 0.01

	// LongevityFullDays is how many active days for maximum longevity score.
	LongevityFullDays = 90
)

// Components holds the individual reputation components.
type Components struct {
	Conversion     float64 `json:"conversion"`     // EMA of quote-selected outcomes
	Responsiveness float64 `json:"responsiveness"` // EMA of response speed vs the window
	Longevity      float64 `json:"longevity"`      // min(1.0, active_days / 90)
}

// VendorReputation stores one vendor's complete reputation state, keyed by
// vendor contact — the same identity that dedupes quotes within a session.
type VendorReputation struct {
	VendorContact string     `json:"vendor_contact"`
	Components    Components `json:"components"`
	Penalties     float64    `json:"penalties"`   // accumulated penalty score [0, ∞)
	QuoteCount    int        `json:"quote_count"` // number of outcomes evaluated
	DaysActive    int        `json:"days_active"`
	LastUpdate    time.Time  `json:"last_update"`
	LastDecay     time.Time  `json:"last_decay"`
	JoinedAt      time.Time  `json:"joined_at"`
}

// Overall computes the weighted reputation score.
//
//	overall = Σ(weight_i × component_i) − penaltyWeight × penalties
//
// Clamped to [FloorReputation, CeilingReputation].
func (vr *VendorReputation) Overall() float64 {
	c := vr.Components
	score := WeightConversion*c.Conversion +
		WeightResponsiveness*c.Responsiveness +
		WeightLongevity*c.Longevity -
		PenaltyWeight*vr.Penalties

	return clamp(score, FloorReputation, CeilingReputation)
}

// Tier returns a human label for the reputation level.
func (vr *VendorReputation) Tier() string {
	o := vr.Overall()
	switch {
	case o >= 0.9:
		return "EXCELLENT"
	case o >= 0.7:
		return "GOOD"
	case o >= 0.5:
		return "NEUTRAL"
	case o >= 0.3:
		return "LOW"
	default:
		return "POOR"
	}
}

// alpha returns the EMA smoothing factor — faster during cold start.
func (vr *VendorReputation) alpha() float64 {
	if vr.QuoteCount < ColdStartQuotes {
		return AlphaColdStart
	}
	return AlphaNormal
}

// QuoteOutcome describes how one quote fared for reputation scoring.
type QuoteOutcome struct {
	Won           bool          // was this the selected quote?
	ResponseDelay time.Duration // session start → quote arrival
	Window        time.Duration // session start → deadline at submission time
}

// PenaltyEvent logs a penalty against a vendor (withdrawn quotes, abuse).
type PenaltyEvent struct {
	Severity float64 // 0.1 = minor, 1.0 = major
	Reason   string
}

// TrackerConfig configures the reputation tracker.
type TrackerConfig struct {
	DecayInterval time.Duration // how often to check for decay (default: 24h)
	DecayRate     float64       // weekly decay rate (default: 0.01)
}

// DefaultTrackerConfig returns production defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		DecayInterval: 24 * time.Hour,
		DecayRate:     DecayRatePerWeek,
	}
}

// Tracker manages reputation for every vendor the engine has seen.
// Thread-safe via RWMutex.
type Tracker struct {
	mu      sync.RWMutex
	config  TrackerConfig
	vendors map[string]*VendorReputation // vendor contact → reputation

	// Injectable clock for testing.
	now func() time.Time
}

// NewTracker creates a reputation tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{
		config:  cfg,
		vendors: make(map[string]*VendorReputation),
		now:     time.Now,
	}
}

// Register initializes reputation for a new vendor at the neutral level.
func (t *Tracker) Register(contact string) *VendorReputation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerLocked(contact)
}

func (t *Tracker) registerLocked(contact string) *VendorReputation {
	if existing, ok := t.vendors[contact]; ok {
		return existing
	}
	now := t.now()
	rep := &VendorReputation{
		VendorContact: contact,
		Components: Components{
			Conversion:     DefaultReputation,
			Responsiveness: DefaultReputation,
			Longevity:      0,
		},
		LastUpdate: now,
		LastDecay:  now,
		JoinedAt:   now,
	}
	t.vendors[contact] = rep
	return rep
}

// Get returns a vendor's current reputation. Returns nil if never seen.
func (t *Tracker) Get(contact string) *VendorReputation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.vendors[contact]
}

// GetOrRegister returns existing reputation or registers a new vendor.
func (t *Tracker) GetOrRegister(contact string) *VendorReputation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerLocked(contact)
}

// RecordOutcome updates reputation after a session resolves one of the
// vendor's quotes. Updates conversion and responsiveness in one call.
func (t *Tracker) RecordOutcome(contact string, outcome QuoteOutcome) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rep, ok := t.vendors[contact]
	if !ok {
		return fmt.Errorf("vendor %s not registered", contact)
	}

	α := rep.alpha()

	conversionSignal := 0.0
	if outcome.Won {
		conversionSignal = 1.0
	}
	rep.Components.Conversion = ema(rep.Components.Conversion, conversionSignal, α)

	// Responsiveness: 1.0 for an instant quote, linearly down to 0.0 for one
	// that arrives at the deadline.
	if outcome.Window > 0 && outcome.ResponseDelay >= 0 {
		signal := 1.0 - clamp(float64(outcome.ResponseDelay)/float64(outcome.Window), 0, 1)
		rep.Components.Responsiveness = ema(rep.Components.Responsiveness, signal, α)
	}

	rep.QuoteCount++
	rep.LastUpdate = t.now()

	days := int(t.now().Sub(rep.JoinedAt).Hours() / 24)
	if days > rep.DaysActive {
		rep.DaysActive = days
	}
	rep.Components.Longevity = math.Min(1.0, float64(rep.DaysActive)/float64(LongevityFullDays))

	return nil
}

// RecordPenalty adds a penalty to a vendor's reputation.
func (t *Tracker) RecordPenalty(contact string, penalty PenaltyEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rep, ok := t.vendors[contact]
	if !ok {
		return fmt.Errorf("vendor %s not registered", contact)
	}
	rep.Penalties += penalty.Severity
	rep.LastUpdate = t.now()
	return nil
}

// Score ranks an incoming quote by its vendor's overall reputation. A vendor
// the tracker has never seen quotes at the neutral default, so newcomers
// neither dominate nor disappear from the ranking.
func (t *Tracker) Score(_ *domain.Session, quote *domain.Quote) *float64 {
	rep := t.GetOrRegister(quote.VendorContact)
	score := rep.Overall()
	return &score
}

// ApplyDecay reduces reputation for vendors with no recent quotes.
// Decay: 1% per week of inactivity. Should be called periodically.
func (t *Tracker) ApplyDecay() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	decayed := 0

	for _, rep := range t.vendors {
		weeksSinceUpdate := now.Sub(rep.LastUpdate).Hours() / (24 * 7)
		if weeksSinceUpdate < 1 {
			continue
		}
		weeksSinceDecay := now.Sub(rep.LastDecay).Hours() / (24 * 7)
		if weeksSinceDecay < 1 {
			continue
		}

		decayFactor := 1.0 - t.config.DecayRate*math.Floor(weeksSinceDecay)
		if decayFactor < 0 {
			decayFactor = 0
		}

		rep.Components.Conversion = math.Max(rep.Components.Conversion*decayFactor, FloorReputation)
		rep.Components.Responsiveness = math.Max(rep.Components.Responsiveness*decayFactor, FloorReputation)

		rep.LastDecay = now
		decayed++
	}
	return decayed
}

// TopVendors returns vendors sorted by overall reputation, descending.
func (t *Tracker) TopVendors(limit int) []*VendorReputation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	vendors := make([]*VendorReputation, 0, len(t.vendors))
	for _, rep := range t.vendors {
		vendors = append(vendors, rep)
	}

	for i := 0; i < len(vendors); i++ {
		for j := i + 1; j < len(vendors); j++ {
			if vendors[j].Overall() > vendors[i].Overall() {
				vendors[i], vendors[j] = vendors[j], vendors[i]
			}
		}
	}

	if limit > 0 && limit < len(vendors) {
		vendors = vendors[:limit]
	}
	return vendors
}

// VendorCount returns total tracked vendors.
func (t *Tracker) VendorCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.vendors)
}

// Remove deletes a vendor's reputation record.
func (t *Tracker) Remove(contact string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.vendors, contact)
}

// ema computes the Exponential Moving Average:
//
//	new = α × sample + (1 - α) × old
func ema(old, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*old
}

// clamp restricts a value to [min, max].
func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
