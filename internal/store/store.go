// ABOUTME: Identity store contract and data types for agentgate persistence
// ABOUTME: Defines Agent, Challenge and the IdentityStore interface the core depends on

package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Store errors.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateAgent is returned when an agent ID is already taken.
	ErrDuplicateAgent = errors.New("agent already exists")

	// ErrDuplicatePubkey is returned when a public key is already registered.
	ErrDuplicatePubkey = errors.New("public key already registered")

	// ErrDuplicateChallenge is returned when a challenge is already pending for an agent ID.
	ErrDuplicateChallenge = errors.New("challenge already pending")
)

// AgentStatus is the lifecycle status of a registered agent.
type AgentStatus string

const (
	AgentStatusActive    AgentStatus = "active"
	AgentStatusSuspended AgentStatus = "suspended"
	AgentStatusFlagged   AgentStatus = "flagged"
	AgentStatusRevoked   AgentStatus = "revoked"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusSuspended, AgentStatusFlagged, AgentStatusRevoked:
		return true
	}
	return false
}

// ChallengePurpose distinguishes registration challenges from re-auth challenges.
type ChallengePurpose string

const (
	PurposeRegistration ChallengePurpose = "registration"
	PurposeReauth       ChallengePurpose = "reauth"
)

// RateLimitPolicy is a per-agent token bucket override.
type RateLimitPolicy struct {
	Capacity int
	Window   time.Duration
}

// Agent is a registered programmatic caller.
type Agent struct {
	ID           string
	PublicKey    string // canonical base64 of the raw Ed25519 key
	Scopes       []string
	APIKeyHash   string // hex SHA-256 of the issued API key, never the key itself
	RateLimit    *RateLimitPolicy
	Reputation   float64
	Status       AgentStatus
	RequestCount int64
	TotalPaid    float64
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastAuthAt   *time.Time
}

// HasScope reports whether the agent was granted scope.
func (a *Agent) HasScope(scope string) bool {
	return slices.Contains(a.Scopes, scope)
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Scopes = slices.Clone(a.Scopes)
	if a.RateLimit != nil {
		rl := *a.RateLimit
		c.RateLimit = &rl
	}
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	if a.LastAuthAt != nil {
		t := *a.LastAuthAt
		c.LastAuthAt = &t
	}
	return &c
}

// PendingRegistration is the candidate identity carried by a registration challenge.
type PendingRegistration struct {
	PublicKey string
	Scopes    []string
	Metadata  map[string]string
}

// Challenge is a single-use, server-issued message an agent must sign.
type Challenge struct {
	AgentID   string
	Nonce     string
	Message   string
	Purpose   ChallengePurpose
	Pending   *PendingRegistration // registration only
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the challenge is past its expiry at now.
// The boundary instant itself is still valid.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Clone returns a deep copy of the challenge.
func (c *Challenge) Clone() *Challenge {
	cc := *c
	if c.Pending != nil {
		p := *c.Pending
		p.Scopes = slices.Clone(c.Pending.Scopes)
		if c.Pending.Metadata != nil {
			p.Metadata = make(map[string]string, len(c.Pending.Metadata))
			for k, v := range c.Pending.Metadata {
				p.Metadata[k] = v
			}
		}
		cc.Pending = &p
	}
	return &cc
}

// AgentStore persists agent identities.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByPublicKey(ctx context.Context, publicKey string) (*Agent, error)
	GetAgentByAPIKeyHash(ctx context.Context, hash string) (*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	DeleteAgent(ctx context.Context, id string) error
}

// ChallengeStore persists pending challenges keyed by agent ID.
type ChallengeStore interface {
	CreateChallenge(ctx context.Context, challenge *Challenge) error
	GetChallenge(ctx context.Context, agentID string) (*Challenge, error)

	// DeleteChallenge removes the challenge and returns ErrNotFound if it was
	// already gone. Callers rely on this to consume a challenge exactly once.
	DeleteChallenge(ctx context.Context, agentID string) error

	// CleanExpiredChallenges removes every challenge expired at now and
	// returns how many were removed.
	CleanExpiredChallenges(ctx context.Context, now time.Time) (int, error)
}

// IdentityStore is the full storage contract the engine depends on.
type IdentityStore interface {
	AgentStore
	ChallengeStore
}
