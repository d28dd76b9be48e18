// ABOUTME: Credential resolution and lifecycle: authenticate, rotate API key, revoke
// ABOUTME: Flagged agents still authenticate; suspended and revoked agents do not

package auth

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/2389/agentgate/internal/agenterr"
	"github.com/2389/agentgate/internal/notify"
	"github.com/2389/agentgate/internal/store"
)

// checkAgentStatus maps a non-usable status to its error.
func checkAgentStatus(status store.AgentStatus) error {
	switch status {
	case store.AgentStatusActive, store.AgentStatusFlagged:
		return nil
	case store.AgentStatusSuspended:
		return agenterr.AgentSuspended("agent is suspended").WithDetail("status", string(status))
	case store.AgentStatusRevoked:
		return agenterr.AgentSuspended("agent has been revoked").WithDetail("status", string(status))
	default:
		return agenterr.Internal("unknown agent status "+string(status), nil)
	}
}

// Authenticate resolves an API key or bearer token to the agent it belongs
// to.
func (s *Service) Authenticate(ctx context.Context, credential string) (*AuthContext, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, agenterr.InvalidToken("missing credential")
	}

	var (
		agent  *store.Agent
		scopes []string
		method string
		err    error
	)
	if IsAPIKey(credential) {
		method = MethodAPIKey
		agent, err = s.store.GetAgentByAPIKeyHash(ctx, HashAPIKey(credential))
		if errors.Is(err, store.ErrNotFound) {
			return nil, agenterr.InvalidToken("unknown api key")
		}
		if err != nil {
			return nil, agenterr.Internal("looking up api key", err)
		}
		scopes = slices.Clone(agent.Scopes)
	} else {
		method = MethodBearer
		claims, verr := s.tokens.Verify(credential)
		if errors.Is(verr, ErrExpiredToken) {
			return nil, agenterr.InvalidToken("token expired")
		}
		if verr != nil {
			return nil, agenterr.InvalidToken("invalid token")
		}
		agent, err = s.store.GetAgent(ctx, claims.Subject)
		if errors.Is(err, store.ErrNotFound) {
			return nil, agenterr.InvalidToken("agent no longer exists")
		}
		if err != nil {
			return nil, agenterr.Internal("loading agent", err)
		}
		// A token never grants more than the agent currently holds.
		for _, sc := range claims.Scopes() {
			if agent.HasScope(sc) {
				scopes = append(scopes, sc)
			}
		}
	}

	if err := checkAgentStatus(agent.Status); err != nil {
		return nil, err
	}

	return &AuthContext{
		AgentID: agent.ID,
		Scopes:  scopes,
		Status:  agent.Status,
		Method:  method,
		Agent:   agent,
	}, nil
}

// RotateAPIKey replaces the agent's API key. The old key stops working
// immediately.
func (s *Service) RotateAPIKey(ctx context.Context, agentID string) (string, error) {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	agent, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return "", agenterr.AgentNotFound("agent is not registered")
	}
	if err != nil {
		return "", agenterr.Internal("loading agent", err)
	}
	if err := checkAgentStatus(agent.Status); err != nil {
		return "", err
	}

	key, hash, err := GenerateAPIKey()
	if err != nil {
		return "", agenterr.Internal("generating api key", err)
	}
	agent.APIKeyHash = hash
	agent.UpdatedAt = s.now()
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return "", agenterr.Internal("updating agent", err)
	}

	s.logger.Info("api key rotated", "agent_id", agentID)
	s.notify(notify.EventAPIKeyRotated, agent)
	return key, nil
}

// Revoke marks the agent revoked and removes it from the store. Any pending
// challenge is dropped with it.
func (s *Service) Revoke(ctx context.Context, agentID string) error {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	agent, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return agenterr.AgentNotFound("agent is not registered")
	}
	if err != nil {
		return agenterr.Internal("loading agent", err)
	}

	agent.Status = store.AgentStatusRevoked
	agent.UpdatedAt = s.now()
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return agenterr.Internal("updating agent", err)
	}
	if err := s.store.DeleteAgent(ctx, agentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return agenterr.Internal("deleting agent", err)
	}
	if err := s.store.DeleteChallenge(ctx, agentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to drop challenge of revoked agent", "agent_id", agentID, "error", err)
	}

	s.logger.Info("agent revoked", "agent_id", agentID)
	s.notify(notify.EventRevoked, agent)
	return nil
}
