// ABOUTME: Per-agent spend aggregation over UTC daily and monthly periods
// ABOUTME: Enforces hard and soft spending caps, picking the most restrictive verdict

package spending

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Period is the aggregation window for a spending record or cap.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Key returns the UTC period key for t: "2006-01-02" for daily, "2006-01"
// for monthly.
func (p Period) Key(t time.Time) string {
	t = t.UTC()
	if p == PeriodMonthly {
		return t.Format("2006-01")
	}
	return t.Format("2006-01-02")
}

// Start returns the UTC start of the period containing t.
func (p Period) Start(t time.Time) time.Time {
	t = t.UTC()
	if p == PeriodMonthly {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// End returns the UTC start of the period following the one containing t.
func (p Period) End(t time.Time) time.Time {
	start := p.Start(t)
	if p == PeriodMonthly {
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 1)
}

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	return p == PeriodDaily || p == PeriodMonthly
}

// CapKind decides whether exceeding a cap denies (hard) or only warns (soft).
type CapKind string

const (
	CapHard CapKind = "hard"
	CapSoft CapKind = "soft"
)

// DefaultWarningThreshold is the usage fraction at which soft caps warn.
const DefaultWarningThreshold = 0.8

// CapRule limits spend in Currency over Period to Amount.
type CapRule struct {
	Name             string
	Period           Period
	Amount           float64
	Currency         string
	Kind             CapKind
	WarningThreshold float64 // fraction of Amount; DefaultWarningThreshold when zero
}

func (r CapRule) warningThreshold() float64 {
	if r.WarningThreshold <= 0 {
		return DefaultWarningThreshold
	}
	return r.WarningThreshold
}

// Errors returned by the tracker.
var (
	ErrInvalidAmount = errors.New("spend amount must be a positive finite number")
	ErrInvalidRule   = errors.New("invalid spending cap rule")
)

// Validate checks a rule is usable.
func (r CapRule) Validate() error {
	if !r.Period.Valid() {
		return fmt.Errorf("%w: unknown period %q", ErrInvalidRule, r.Period)
	}
	if r.Amount <= 0 || math.IsInf(r.Amount, 0) || math.IsNaN(r.Amount) {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRule)
	}
	if r.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidRule)
	}
	if r.Kind != CapHard && r.Kind != CapSoft {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
	}
	if r.WarningThreshold < 0 || r.WarningThreshold > 1 {
		return fmt.Errorf("%w: warning threshold must be within [0, 1]", ErrInvalidRule)
	}
	return nil
}

// Record is the aggregate spend of one agent in one currency over one period.
type Record struct {
	AgentID     string
	Period      Period
	PeriodKey   string
	Currency    string
	Amount      float64
	PeriodStart time.Time
	UpdatedAt   time.Time
}

// CheckResult is the verdict of CheckCap.
type CheckResult struct {
	Allowed      bool
	Warning      bool
	Rule         *CapRule // the rule that produced this verdict; nil when no rule applied
	Current      float64
	Projected    float64
	Limit        float64
	UsagePercent float64       // projected / limit * 100
	RetryAfter   time.Duration // time until the rule's period rolls over, when denied
}

// Summary is a snapshot of an agent's current totals in one currency.
type Summary struct {
	Currency string
	Daily    float64
	Monthly  float64
}

type recordKey struct {
	period    Period
	periodKey string
	currency  string
}

// ledger holds one agent's records. Its mutex makes daily and monthly
// updates atomic together.
type ledger struct {
	mu      sync.Mutex
	records map[recordKey]*Record
	dropped bool // removed from the tracker by Reset or Cleanup
}

// Tracker aggregates spend per agent. It is safe for concurrent use; agents
// never contend with each other beyond the map lookup.
type Tracker struct {
	rules []CapRule
	now   func() time.Time

	mu      sync.Mutex
	ledgers map[string]*ledger
}

// NewTracker creates a Tracker enforcing rules with the wall clock.
func NewTracker(rules []CapRule) (*Tracker, error) {
	return NewTrackerWithClock(rules, time.Now)
}

// NewTrackerWithClock creates a Tracker reading time from now.
func NewTrackerWithClock(rules []CapRule, now func() time.Time) (*Tracker, error) {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return &Tracker{
		rules:   append([]CapRule(nil), rules...),
		now:     now,
		ledgers: make(map[string]*ledger),
	}, nil
}

// Rules returns a copy of the configured cap rules.
func (t *Tracker) Rules() []CapRule {
	return append([]CapRule(nil), t.rules...)
}

func (t *Tracker) ledgerFor(agentID string, create bool) *ledger {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.ledgers[agentID]
	if !ok && create {
		l = &ledger{records: make(map[recordKey]*Record)}
		t.ledgers[agentID] = l
	}
	return l
}

// lockLedger returns the agent's live ledger, creating it if needed, with its
// mutex held.
func (t *Tracker) lockLedger(agentID string) *ledger {
	for {
		l := t.ledgerFor(agentID, true)
		l.mu.Lock()
		if !l.dropped {
			return l
		}
		l.mu.Unlock()
	}
}

func normalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// currentLocked returns the amount recorded for the period containing now.
// Must be called with l.mu held.
func (l *ledger) currentLocked(p Period, currency string, now time.Time) float64 {
	if r, ok := l.records[recordKey{p, p.Key(now), currency}]; ok {
		return r.Amount
	}
	return 0
}

// RecordSpend adds amount to the agent's daily and monthly totals for
// currency and returns the updated summary.
func (t *Tracker) RecordSpend(agentID string, amount float64, currency string) (Summary, error) {
	if amount <= 0 || math.IsInf(amount, 0) || math.IsNaN(amount) {
		return Summary{}, ErrInvalidAmount
	}
	currency = normalizeCurrency(currency)
	if currency == "" {
		return Summary{}, fmt.Errorf("currency is required")
	}

	now := t.now()
	l := t.lockLedger(agentID)
	defer l.mu.Unlock()

	for _, p := range []Period{PeriodDaily, PeriodMonthly} {
		k := recordKey{p, p.Key(now), currency}
		r, ok := l.records[k]
		if !ok {
			r = &Record{
				AgentID:     agentID,
				Period:      p,
				PeriodKey:   k.periodKey,
				Currency:    currency,
				PeriodStart: p.Start(now),
			}
			l.records[k] = r
		}
		r.Amount += amount
		r.UpdatedAt = now
	}

	return Summary{
		Currency: currency,
		Daily:    l.currentLocked(PeriodDaily, currency, now),
		Monthly:  l.currentLocked(PeriodMonthly, currency, now),
	}, nil
}

// Spending returns the agent's current daily and monthly totals for currency.
func (t *Tracker) Spending(agentID, currency string) Summary {
	currency = normalizeCurrency(currency)
	s := Summary{Currency: currency}

	l := t.ledgerFor(agentID, false)
	if l == nil {
		return s
	}
	now := t.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	s.Daily = l.currentLocked(PeriodDaily, currency, now)
	s.Monthly = l.currentLocked(PeriodMonthly, currency, now)
	return s
}

// Records returns copies of every record held for the agent.
func (t *Tracker) Records(agentID string) []Record {
	l := t.ledgerFor(agentID, false)
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	return out
}

// CheckCap evaluates every rule for currency against the agent's current
// totals plus proposed. A denying verdict beats an allowing one; between
// verdicts of the same kind the higher usage wins. With no applicable rule
// the spend is allowed.
func (t *Tracker) CheckCap(agentID string, proposed float64, currency string) (CheckResult, error) {
	if proposed < 0 || math.IsInf(proposed, 0) || math.IsNaN(proposed) {
		return CheckResult{}, ErrInvalidAmount
	}
	currency = normalizeCurrency(currency)
	now := t.now()

	current := map[Period]float64{}
	if l := t.ledgerFor(agentID, false); l != nil {
		l.mu.Lock()
		current[PeriodDaily] = l.currentLocked(PeriodDaily, currency, now)
		current[PeriodMonthly] = l.currentLocked(PeriodMonthly, currency, now)
		l.mu.Unlock()
	}

	var best *CheckResult
	for i := range t.rules {
		rule := t.rules[i]
		if normalizeCurrency(rule.Currency) != currency {
			continue
		}
		res := evaluate(rule, current[rule.Period], proposed, now)
		if best == nil || moreRestrictive(res, *best) {
			best = &res
		}
	}

	if best == nil {
		return CheckResult{Allowed: true, Current: 0, Projected: proposed}, nil
	}
	return *best, nil
}

func evaluate(rule CapRule, current, proposed float64, now time.Time) CheckResult {
	projected := current + proposed
	usage := projected / rule.Amount
	res := CheckResult{
		Allowed:      true,
		Rule:         &rule,
		Current:      current,
		Projected:    projected,
		Limit:        rule.Amount,
		UsagePercent: usage * 100,
	}
	switch rule.Kind {
	case CapHard:
		if projected > rule.Amount {
			res.Allowed = false
			res.RetryAfter = rule.Period.End(now).Sub(now.UTC())
		} else {
			res.Warning = usage >= rule.warningThreshold()
		}
	case CapSoft:
		res.Warning = usage >= rule.warningThreshold()
	}
	return res
}

func moreRestrictive(a, b CheckResult) bool {
	if a.Allowed != b.Allowed {
		return !a.Allowed
	}
	return a.UsagePercent > b.UsagePercent
}

// Reset discards every record for the agent.
func (t *Tracker) Reset(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.ledgers[agentID]; ok {
		l.mu.Lock()
		l.dropped = true
		l.mu.Unlock()
		delete(t.ledgers, agentID)
	}
}

// Cleanup removes records whose period has fully elapsed and drops empty
// ledgers. Returns the number of records removed.
func (t *Tracker) Cleanup() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for agentID, l := range t.ledgers {
		l.mu.Lock()
		for k, r := range l.records {
			if !now.Before(r.Period.End(r.PeriodStart)) {
				delete(l.records, k)
				removed++
			}
		}
		if len(l.records) == 0 {
			l.dropped = true
			delete(t.ledgers, agentID)
		}
		l.mu.Unlock()
	}
	return removed
}

// Run performs Cleanup every interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}
