// ABOUTME: Tests for the reputation oracle
// ABOUTME: Covers clamped scoring, ordered gate evaluation, and status thresholds

package reputation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentgate/internal/store"
)

func newManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

func TestCalculateScore(t *testing.T) {
	m := newManager(t, nil)

	assert.Equal(t, float64(45), m.CalculateScore(50, EventPaymentFailure))
	assert.Equal(t, float64(52), m.CalculateScore(50, EventPaymentSuccess))
	assert.Equal(t, float64(40), m.CalculateScore(50, EventFlagged))
	assert.Equal(t, float64(50), m.CalculateScore(50, EventType("unknown")), "unknown events weigh nothing")
}

func TestCalculateScore_ClampsToBounds(t *testing.T) {
	m := newManager(t, nil)

	score := 50.0
	for range 100 {
		score = m.CalculateScore(score, EventPaymentFailure)
		assert.GreaterOrEqual(t, score, float64(0))
	}
	assert.Equal(t, float64(0), score)

	score = 99.0
	score = m.CalculateScore(score, EventPaymentSuccess)
	assert.Equal(t, float64(100), score)
}

func TestCalculateScore_CustomWeights(t *testing.T) {
	m := newManager(t, func(c *Config) {
		c.Weights = map[EventType]float64{"custom": 7.5}
	})

	assert.Equal(t, 57.5, m.CalculateScore(50, "custom"))
	assert.Equal(t, float64(50), m.CalculateScore(50, EventPaymentFailure))
}

func TestCheckGate_FirstMatchingRuleWins(t *testing.T) {
	m := newManager(t, func(c *Config) {
		c.Gates = []GateRule{
			{Name: "payments", Scopes: []string{"payments.*"}, MinReputation: 60, Action: ActionBlock},
			{Name: "writes", Scopes: []string{"data.write"}, MinReputation: 40, Action: ActionWarn},
			{Name: "floor", MinReputation: 15, Action: ActionBlock},
		}
	})

	tests := []struct {
		name    string
		score   float64
		scope   string
		allowed bool
		warning bool
		rule    string
	}{
		{"payments blocked below 60", 55, "payments.send", false, false, "payments"},
		{"payments allowed at 60", 60, "payments.send", true, false, ""},
		{"write warned below 40", 30, "data.write", true, true, "writes"},
		{"write fine above 40", 45, "data.write", true, false, ""},
		{"read unaffected by scoped rules", 30, "data.read", true, false, ""},
		{"floor applies to any scope", 10, "data.read", false, false, "floor"},
		{"floor applies with no scope", 10, "", false, false, "floor"},
		{"scoped rules skipped with no scope", 30, "", true, false, ""},
		{"first match beats later floor", 10, "payments.refund", false, false, "payments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.CheckGate(tt.score, tt.scope)
			assert.Equal(t, tt.allowed, res.Allowed)
			assert.Equal(t, tt.warning, res.Warning)
			if tt.rule == "" {
				assert.Nil(t, res.Rule)
			} else {
				require.NotNil(t, res.Rule)
				assert.Equal(t, tt.rule, res.Rule.Name)
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestCheckGate_NoRules(t *testing.T) {
	m := newManager(t, nil)
	res := m.CheckGate(0, "anything")
	assert.True(t, res.Allowed)
	assert.False(t, res.Warning)
}

func TestThresholds(t *testing.T) {
	m := newManager(t, nil)

	assert.False(t, m.ShouldFlag(21))
	assert.True(t, m.ShouldFlag(20))
	assert.False(t, m.ShouldSuspend(11))
	assert.True(t, m.ShouldSuspend(10))
}

func TestStatusFor(t *testing.T) {
	m := newManager(t, nil)

	assert.Equal(t, store.AgentStatusActive, m.StatusFor(store.AgentStatusActive, 50))
	assert.Equal(t, store.AgentStatusFlagged, m.StatusFor(store.AgentStatusActive, 18))
	assert.Equal(t, store.AgentStatusSuspended, m.StatusFor(store.AgentStatusFlagged, 5))
	assert.Equal(t, store.AgentStatusActive, m.StatusFor(store.AgentStatusFlagged, 30), "flag clears when score recovers")
	assert.Equal(t, store.AgentStatusSuspended, m.StatusFor(store.AgentStatusSuspended, 90))
	assert.Equal(t, store.AgentStatusRevoked, m.StatusFor(store.AgentStatusRevoked, 90))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"min above max", func(c *Config) { c.Min = 200 }},
		{"initial out of range", func(c *Config) { c.Initial = 150 }},
		{"suspend above flag", func(c *Config) { c.SuspendThreshold = 30 }},
		{"bad action", func(c *Config) { c.Gates = []GateRule{{Action: "explode"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewManager(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
