// ABOUTME: In-memory IdentityStore implementation
// ABOUTME: Reference backend for single-instance deployments and tests

package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory IdentityStore. All values are copied on the way
// in and on the way out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*Agent     // keyed by agent ID
	byPublicKey map[string]string     // public key -> agent ID
	byKeyHash   map[string]string     // API key hash -> agent ID
	challenges  map[string]*Challenge // keyed by agent ID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]*Agent),
		byPublicKey: make(map[string]string),
		byKeyHash:   make(map[string]string),
		challenges:  make(map[string]*Challenge),
	}
}

// CreateAgent stores a new agent. Returns ErrDuplicateAgent or
// ErrDuplicatePubkey if the ID or public key is already taken.
func (m *MemoryStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("creating agent: empty id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return ErrDuplicateAgent
	}
	if _, exists := m.byPublicKey[agent.PublicKey]; exists {
		return ErrDuplicatePubkey
	}

	a := agent.Clone()
	m.agents[a.ID] = a
	m.byPublicKey[a.PublicKey] = a.ID
	if a.APIKeyHash != "" {
		m.byKeyHash[a.APIKeyHash] = a.ID
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// GetAgentByPublicKey retrieves an agent by its canonical public key.
func (m *MemoryStore) GetAgentByPublicKey(ctx context.Context, publicKey string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPublicKey[publicKey]
	if !ok {
		return nil, ErrNotFound
	}
	return m.agents[id].Clone(), nil
}

// GetAgentByAPIKeyHash retrieves an agent by the hash of its API key.
func (m *MemoryStore) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKeyHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return m.agents[id].Clone(), nil
}

// UpdateAgent replaces an existing agent, keeping the lookup indexes in sync.
func (m *MemoryStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.agents[agent.ID]
	if !ok {
		return ErrNotFound
	}
	if agent.PublicKey != old.PublicKey {
		if owner, taken := m.byPublicKey[agent.PublicKey]; taken && owner != agent.ID {
			return ErrDuplicatePubkey
		}
		delete(m.byPublicKey, old.PublicKey)
		m.byPublicKey[agent.PublicKey] = agent.ID
	}
	if agent.APIKeyHash != old.APIKeyHash {
		delete(m.byKeyHash, old.APIKeyHash)
		if agent.APIKeyHash != "" {
			m.byKeyHash[agent.APIKeyHash] = agent.ID
		}
	}

	m.agents[agent.ID] = agent.Clone()
	return nil
}

// DeleteAgent removes an agent and its indexes.
func (m *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byPublicKey, a.PublicKey)
	delete(m.byKeyHash, a.APIKeyHash)
	delete(m.agents, id)
	return nil
}

// CreateChallenge stores a pending challenge. An expired challenge for the
// same agent ID is replaced; a live one yields ErrDuplicateChallenge.
func (m *MemoryStore) CreateChallenge(ctx context.Context, challenge *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.challenges[challenge.AgentID]; ok && !existing.Expired(challenge.CreatedAt) {
		return ErrDuplicateChallenge
	}
	m.challenges[challenge.AgentID] = challenge.Clone()
	return nil
}

// GetChallenge retrieves the pending challenge for an agent ID. Expiry is the
// caller's concern; expired challenges are returned until deleted or cleaned.
func (m *MemoryStore) GetChallenge(ctx context.Context, agentID string) (*Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.challenges[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// DeleteChallenge removes the pending challenge for an agent ID.
func (m *MemoryStore) DeleteChallenge(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.challenges[agentID]; !ok {
		return ErrNotFound
	}
	delete(m.challenges, agentID)
	return nil
}

// CleanExpiredChallenges removes every challenge expired at now.
func (m *MemoryStore) CleanExpiredChallenges(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, c := range m.challenges {
		if c.Expired(now) {
			delete(m.challenges, id)
			removed++
		}
	}
	return removed, nil
}

// CountAgents returns the number of stored agents.
func (m *MemoryStore) CountAgents() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// Ensure MemoryStore implements IdentityStore.
var _ IdentityStore = (*MemoryStore)(nil)
