// ABOUTME: Reputation scoring oracle for registered agents
// ABOUTME: Pure functions over scores and events; never mutates agent state itself

package reputation

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/2389/agentgate/internal/store"
)

// EventType names a behavioral event that moves an agent's score.
type EventType string

const (
	EventPaymentSuccess      EventType = "payment_success"
	EventPaymentFailure      EventType = "payment_failure"
	EventRequestSuccess      EventType = "request_success"
	EventRateLimited         EventType = "rate_limited"
	EventSpendingCapExceeded EventType = "spending_cap_exceeded"
	EventInvalidSignature    EventType = "invalid_signature"
	EventFlagged             EventType = "flagged"
	EventAbuseReport         EventType = "abuse_report"
)

// DefaultWeights are the signed score deltas applied per event.
func DefaultWeights() map[EventType]float64 {
	return map[EventType]float64{
		EventPaymentSuccess:      2,
		EventPaymentFailure:      -5,
		EventRequestSuccess:      0.1,
		EventRateLimited:         -1,
		EventSpendingCapExceeded: -2,
		EventInvalidSignature:    -3,
		EventFlagged:             -10,
		EventAbuseReport:         -20,
	}
}

// Action is what a firing gate rule does to the request.
type Action string

const (
	ActionBlock Action = "block"
	ActionWarn  Action = "warn"
)

// GateRule restricts Scopes (all scopes when empty) to agents whose score is
// at least MinReputation. A scope entry ending in ".*" matches every scope
// under that prefix.
type GateRule struct {
	Name          string
	Scopes        []string
	MinReputation float64
	Action        Action
}

func (r GateRule) matches(scope string) bool {
	if len(r.Scopes) == 0 {
		return true
	}
	if scope == "" {
		return false
	}
	for _, s := range r.Scopes {
		if s == scope || s == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(s, ".*"); ok && strings.HasPrefix(scope, prefix+".") {
			return true
		}
	}
	return false
}

// Config holds the scoring bounds, weights, gates and thresholds.
type Config struct {
	Initial          float64
	Min              float64
	Max              float64
	Weights          map[EventType]float64
	Gates            []GateRule
	FlagThreshold    float64
	SuspendThreshold float64
}

// DefaultConfig returns a 0..100 scale starting at 50, flagging at 20 and
// suspending at 10, with no gates.
func DefaultConfig() Config {
	return Config{
		Initial:          50,
		Min:              0,
		Max:              100,
		Weights:          DefaultWeights(),
		FlagThreshold:    20,
		SuspendThreshold: 10,
	}
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid reputation config")

// Validate checks bounds and gate actions.
func (c Config) Validate() error {
	if c.Min >= c.Max {
		return fmt.Errorf("%w: min %v must be below max %v", ErrInvalidConfig, c.Min, c.Max)
	}
	if c.Initial < c.Min || c.Initial > c.Max {
		return fmt.Errorf("%w: initial %v outside [%v, %v]", ErrInvalidConfig, c.Initial, c.Min, c.Max)
	}
	if c.SuspendThreshold > c.FlagThreshold {
		return fmt.Errorf("%w: suspend threshold %v above flag threshold %v", ErrInvalidConfig, c.SuspendThreshold, c.FlagThreshold)
	}
	for i, g := range c.Gates {
		if g.Action != ActionBlock && g.Action != ActionWarn {
			return fmt.Errorf("%w: gate %d has unknown action %q", ErrInvalidConfig, i, g.Action)
		}
	}
	return nil
}

// Manager scores events and evaluates gates. It holds no per-agent state and
// is safe for concurrent use.
type Manager struct {
	cfg Config
}

// NewManager returns a Manager for cfg.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	return &Manager{cfg: cfg}, nil
}

// Initial returns the score a newly registered agent starts with.
func (m *Manager) Initial() float64 { return m.cfg.Initial }

// Weight returns the delta for event, or 0 for unknown events.
func (m *Manager) Weight(event EventType) float64 {
	return m.cfg.Weights[event]
}

// CalculateScore applies event to current and clamps the result to the
// configured bounds.
func (m *Manager) CalculateScore(current float64, event EventType) float64 {
	return m.clamp(current + m.Weight(event))
}

func (m *Manager) clamp(v float64) float64 {
	if math.IsNaN(v) {
		return m.cfg.Min
	}
	return math.Max(m.cfg.Min, math.Min(m.cfg.Max, v))
}

// GateResult is the outcome of CheckGate.
type GateResult struct {
	Allowed bool
	Warning bool
	Rule    *GateRule // the firing rule, nil when none fired
	Reason  string
}

// CheckGate scans the gate rules in order. The first rule that applies to
// scope and whose minimum exceeds score decides: block disallows, warn allows
// with a warning. When scope is empty only unrestricted rules apply.
func (m *Manager) CheckGate(score float64, scope string) GateResult {
	for i := range m.cfg.Gates {
		rule := m.cfg.Gates[i]
		if !rule.matches(scope) || score >= rule.MinReputation {
			continue
		}
		reason := fmt.Sprintf("reputation %.1f below %.1f required", score, rule.MinReputation)
		if scope != "" {
			reason += " for " + scope
		}
		if rule.Action == ActionWarn {
			return GateResult{Allowed: true, Warning: true, Rule: &rule, Reason: reason}
		}
		return GateResult{Allowed: false, Rule: &rule, Reason: reason}
	}
	return GateResult{Allowed: true}
}

// ShouldFlag reports whether score has fallen to the flag threshold.
func (m *Manager) ShouldFlag(score float64) bool {
	return score <= m.cfg.FlagThreshold
}

// ShouldSuspend reports whether score has fallen to the suspend threshold.
func (m *Manager) ShouldSuspend(score float64) bool {
	return score <= m.cfg.SuspendThreshold
}

// StatusFor returns the status an agent with status current should move to
// after its score became score. Revoked agents stay revoked and suspended
// agents are never reactivated automatically.
func (m *Manager) StatusFor(current store.AgentStatus, score float64) store.AgentStatus {
	switch current {
	case store.AgentStatusRevoked, store.AgentStatusSuspended:
		return current
	}
	switch {
	case m.ShouldSuspend(score):
		return store.AgentStatusSuspended
	case m.ShouldFlag(score):
		return store.AgentStatusFlagged
	default:
		return store.AgentStatusActive
	}
}
