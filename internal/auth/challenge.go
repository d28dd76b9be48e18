// ABOUTME: Challenge-response registration and timestamp-signed re-authentication
// ABOUTME: A registration challenge is consumed exactly once; bad signatures leave it in place

package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agentgate/internal/agenterr"
	"github.com/2389/agentgate/internal/notify"
	"github.com/2389/agentgate/internal/store"
)

// RegistrationRequest is a candidate identity asking for a challenge.
type RegistrationRequest struct {
	PublicKey string
	Scopes    []string
	Metadata  map[string]string
}

// RegistrationChallenge is returned to the candidate to sign.
type RegistrationChallenge struct {
	AgentID   string    `json:"agent_id"`
	Challenge string    `json:"challenge"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Credentials are issued once a registration is verified.
type Credentials struct {
	AgentID   string    `json:"agent_id"`
	APIKey    string    `json:"api_key"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Scopes    []string  `json:"scopes"`
}

// AccessToken is issued on re-authentication.
type AccessToken struct {
	AgentID   string    `json:"agent_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Scopes    []string  `json:"scopes"`
}

// ReauthChallenge tells an agent exactly what to sign to re-authenticate.
type ReauthChallenge struct {
	AgentID   string    `json:"agent_id"`
	Timestamp string    `json:"timestamp"`
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newAgentID() string {
	return "agent_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func validateMetadata(md map[string]string) error {
	if len(md) > MaxMetadataEntries {
		return agenterr.InvalidRequest(fmt.Sprintf("metadata has %d entries, at most %d allowed", len(md), MaxMetadataEntries))
	}
	for k, v := range md {
		if k == "" || len(k) > MaxMetadataKeyLen {
			return agenterr.InvalidRequest(fmt.Sprintf("metadata keys must be 1-%d bytes", MaxMetadataKeyLen)).
				WithDetail("key", k)
		}
		if len(v) > MaxMetadataValueLen {
			return agenterr.InvalidRequest(fmt.Sprintf("metadata values must be at most %d bytes", MaxMetadataValueLen)).
				WithDetail("key", k)
		}
	}
	return nil
}

// resolveScopes applies the defaults to an empty request and rejects names
// outside the catalog.
func (s *Service) resolveScopes(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return slices.Clone(s.defaultScopes), nil
	}
	var scopes, unknown []string
	for _, name := range requested {
		name = strings.TrimSpace(name)
		if slices.Contains(scopes, name) {
			continue
		}
		if !s.knownScope(name) {
			unknown = append(unknown, name)
			continue
		}
		scopes = append(scopes, name)
	}
	if len(unknown) > 0 {
		return nil, agenterr.InvalidScope("requested scopes are not offered").
			WithDetail("scopes", strings.Join(unknown, ","))
	}
	return scopes, nil
}

// IssueRegistrationChallenge validates a registration request and stores a
// challenge for the candidate identity.
func (s *Service) IssueRegistrationChallenge(ctx context.Context, req RegistrationRequest) (*RegistrationChallenge, error) {
	publicKey, err := CanonicalPublicKey(req.PublicKey)
	if err != nil {
		return nil, agenterr.InvalidRequest("public key must be an Ed25519 key in base64, hex or ssh-ed25519 form")
	}
	if err := validateMetadata(req.Metadata); err != nil {
		return nil, err
	}
	scopes, err := s.resolveScopes(req.Scopes)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetAgentByPublicKey(ctx, publicKey); err == nil {
		return nil, agenterr.DuplicateIdentity("public key is already registered")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, agenterr.Internal("looking up public key", err)
	}

	nonce, err := randomHex(32)
	if err != nil {
		return nil, agenterr.Internal("generating nonce", err)
	}

	now := s.now()
	agentID := newAgentID()
	challenge := &store.Challenge{
		AgentID:   agentID,
		Nonce:     nonce,
		Message:   RegistrationMessage(s.protocol, agentID, FormatTimestamp(now), nonce),
		Purpose:   store.PurposeRegistration,
		CreatedAt: now,
		ExpiresAt: now.Add(s.challengeTTL),
		Pending: &store.PendingRegistration{
			PublicKey: publicKey,
			Scopes:    scopes,
			Metadata:  maps.Clone(req.Metadata),
		},
	}
	if err := s.store.CreateChallenge(ctx, challenge); err != nil {
		return nil, agenterr.Internal("storing challenge", err)
	}

	s.logger.Debug("registration challenge issued", "agent_id", agentID, "scopes", scopes)

	return &RegistrationChallenge{
		AgentID:   agentID,
		Challenge: challenge.Message,
		Nonce:     nonce,
		ExpiresAt: challenge.ExpiresAt,
	}, nil
}

// VerifyRegistration checks the signature over the pending challenge and, on
// success, creates the agent and issues its credentials. The public key is
// the one stored with the challenge.
func (s *Service) VerifyRegistration(ctx context.Context, agentID, signature string) (*Credentials, error) {
	challenge, err := s.store.GetChallenge(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, agenterr.ChallengeNotFound("no pending challenge for this agent")
	}
	if err != nil {
		return nil, agenterr.Internal("loading challenge", err)
	}
	if challenge.Purpose != store.PurposeRegistration || challenge.Pending == nil {
		return nil, agenterr.ChallengeNotFound("no pending registration for this agent")
	}

	if challenge.Expired(s.now()) {
		if err := s.store.DeleteChallenge(ctx, agentID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("failed to delete expired challenge", "agent_id", agentID, "error", err)
		}
		return nil, agenterr.ChallengeExpired("challenge has expired, request a new one")
	}

	pub, err := ParsePublicKey(challenge.Pending.PublicKey)
	if err != nil {
		return nil, agenterr.Internal("stored public key is unreadable", err)
	}
	if err := s.checkSignature(ctx, agentID, challenge.Message, signature, pub); err != nil {
		return nil, err
	}

	// Claim the challenge. Of two concurrent verifications only one deletes it.
	if err := s.store.DeleteChallenge(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, agenterr.ChallengeNotFound("challenge was already used")
		}
		return nil, agenterr.Internal("consuming challenge", err)
	}

	apiKey, keyHash, err := GenerateAPIKey()
	if err != nil {
		return nil, agenterr.Internal("generating api key", err)
	}

	now := s.now()
	rl := s.defaultRateLimit
	agent := &store.Agent{
		ID:         agentID,
		PublicKey:  challenge.Pending.PublicKey,
		Scopes:     slices.Clone(challenge.Pending.Scopes),
		APIKeyHash: keyHash,
		RateLimit:  &rl,
		Reputation: s.initialReputation,
		Status:     store.AgentStatusActive,
		Metadata:   maps.Clone(challenge.Pending.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
		LastAuthAt: &now,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrDuplicatePubkey) || errors.Is(err, store.ErrDuplicateAgent) {
			return nil, agenterr.DuplicateIdentity("public key is already registered")
		}
		return nil, agenterr.Internal("creating agent", err)
	}

	token, expiresAt, err := s.tokens.Generate(agent.ID, agent.Scopes, s.tokenTTL)
	if err != nil {
		return nil, agenterr.Internal("issuing token", err)
	}

	s.logger.Info("agent registered", "agent_id", agent.ID, "scopes", agent.Scopes)
	s.notify(notify.EventRegistered, agent)

	return &Credentials{
		AgentID:   agent.ID,
		APIKey:    apiKey,
		Token:     token,
		ExpiresAt: expiresAt,
		Scopes:    slices.Clone(agent.Scopes),
	}, nil
}

// checkSignature decodes and verifies signature over message. Any failure is
// INVALID_SIGNATURE.
func (s *Service) checkSignature(ctx context.Context, agentID, message, signature string, pub ed25519.PublicKey) error {
	sig, err := DecodeSignature(signature)
	if err != nil {
		return agenterr.InvalidSignature("signature must be base64 or hex of 64 bytes")
	}
	ok, err := verifyBounded(ctx, s.verifier, s.verifyTimeout, []byte(message), sig, pub)
	if err != nil {
		s.logger.Warn("signature verification failed", "agent_id", agentID, "error", err)
	}
	if !ok {
		return agenterr.InvalidSignature("signature does not match the challenge")
	}
	return nil
}

// loadActive fetches an agent that may re-authenticate.
func (s *Service) loadActive(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, agenterr.AgentNotFound("agent is not registered")
	}
	if err != nil {
		return nil, agenterr.Internal("loading agent", err)
	}
	if agent.Status != store.AgentStatusActive {
		return nil, agenterr.AgentSuspended("agent is " + string(agent.Status)).
			WithDetail("status", string(agent.Status))
	}
	return agent, nil
}

// IssueReauthChallenge returns the timestamp and message an active agent
// should sign to obtain a new token.
func (s *Service) IssueReauthChallenge(ctx context.Context, agentID string) (*ReauthChallenge, error) {
	if _, err := s.loadActive(ctx, agentID); err != nil {
		return nil, err
	}
	now := s.now()
	ts := FormatTimestamp(now)
	return &ReauthChallenge{
		AgentID:   agentID,
		Timestamp: ts,
		Challenge: ReauthMessage(s.protocol, agentID, ts),
		ExpiresAt: now.Add(s.reauthSkew),
	}, nil
}

// VerifyReauth checks a signature over the re-auth message for timestamp and
// issues a new token. Each (agent, timestamp) pair is accepted once.
func (s *Service) VerifyReauth(ctx context.Context, agentID, timestamp, signature string) (*AccessToken, error) {
	agent, err := s.loadActive(ctx, agentID)
	if err != nil {
		return nil, err
	}

	signedAt, err := ParseTimestamp(timestamp)
	if err != nil {
		return nil, agenterr.InvalidRequest(err.Error())
	}
	now := s.now()
	skew := now.Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.reauthSkew {
		return nil, agenterr.ChallengeExpired("timestamp is outside the accepted window").
			WithDetail("skew_seconds", strconv.FormatFloat(skew.Seconds(), 'f', 0, 64)).
			WithDetail("max_skew_seconds", strconv.Itoa(int(s.reauthSkew/time.Second)))
	}

	replayKey := agentID + "|" + timestamp
	if s.replays.Seen(replayKey) {
		return nil, s.replayRejected(agentID, timestamp)
	}

	pub, err := ParsePublicKey(agent.PublicKey)
	if err != nil {
		return nil, agenterr.Internal("stored public key is unreadable", err)
	}
	if err := s.checkSignature(ctx, agentID, ReauthMessage(s.protocol, agentID, timestamp), signature, pub); err != nil {
		return nil, err
	}

	// Two verified requests for the same pair can race past Seen.
	if s.replays.CheckAndMark(replayKey) {
		return nil, s.replayRejected(agentID, timestamp)
	}

	agent, err = s.touch(ctx, agentID)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.tokens.Generate(agent.ID, agent.Scopes, s.tokenTTL)
	if err != nil {
		return nil, agenterr.Internal("issuing token", err)
	}

	s.logger.Debug("agent re-authenticated", "agent_id", agent.ID)
	s.notify(notify.EventReauthenticated, agent)

	return &AccessToken{
		AgentID:   agent.ID,
		Token:     token,
		ExpiresAt: expiresAt,
		Scopes:    slices.Clone(agent.Scopes),
	}, nil
}

func (s *Service) replayRejected(agentID, timestamp string) error {
	s.logger.Warn("re-auth replay rejected", "agent_id", agentID, "timestamp", timestamp)
	return agenterr.InvalidSignature("signature was already used").WithDetail("reason", "replay")
}

// touch records a successful authentication under the agent lock.
func (s *Service) touch(ctx context.Context, agentID string) (*store.Agent, error) {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	agent, err := s.loadActive(ctx, agentID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	agent.LastAuthAt = &now
	agent.UpdatedAt = now
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, agenterr.AgentNotFound("agent is not registered")
		}
		return nil, agenterr.Internal("updating agent", err)
	}
	return agent, nil
}
