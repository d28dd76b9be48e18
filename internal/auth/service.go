// ABOUTME: Agent identity service: configuration, construction, and discovery document
// ABOUTME: Ties the identity store, token issuer, verifier, and observers together

package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/2389/agentgate/internal/dedupe"
	"github.com/2389/agentgate/internal/notify"
	"github.com/2389/agentgate/internal/store"
)

// Protocol and lifetime defaults.
const (
	DefaultProtocol     = "agentgate"
	DefaultChallengeTTL = 5 * time.Minute
	DefaultReauthSkew   = 5 * time.Minute

	// reauthReplayCacheSize bounds the number of (agent, timestamp) pairs
	// remembered for replay detection.
	reauthReplayCacheSize = 100000
)

// Metadata limits for registration requests.
const (
	MaxMetadataEntries  = 16
	MaxMetadataKeyLen   = 64
	MaxMetadataValueLen = 256
)

// Scope is one entry of the capability catalog.
type Scope struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Config holds the identity service configuration and collaborators.
type Config struct {
	Store      store.IdentityStore
	Tokens     *JWTIssuer
	Verifier   SignatureVerifier  // defaults to Ed25519Verifier
	Dispatcher *notify.Dispatcher // optional
	Locks      *store.AgentLocks  // shared with other agent writers; optional
	Logger     *slog.Logger
	Now        func() time.Time

	Protocol          string
	ChallengeTTL      time.Duration
	TokenTTL          time.Duration
	ReauthSkew        time.Duration
	VerifyTimeout     time.Duration
	Scopes            []Scope
	DefaultScopes     []string
	DefaultRateLimit  store.RateLimitPolicy
	RegistrationLimit store.RateLimitPolicy
	InitialReputation float64
}

// Service runs the registration and re-authentication protocol and resolves
// credentials to agents.
type Service struct {
	store      store.IdentityStore
	tokens     *JWTIssuer
	verifier   SignatureVerifier
	dispatcher *notify.Dispatcher
	locks      *store.AgentLocks
	logger     *slog.Logger
	now        func() time.Time
	replays    *dedupe.Cache

	protocol          string
	challengeTTL      time.Duration
	tokenTTL          time.Duration
	reauthSkew        time.Duration
	verifyTimeout     time.Duration
	scopes            []Scope
	defaultScopes     []string
	defaultRateLimit  store.RateLimitPolicy
	registrationLimit store.RateLimitPolicy
	initialReputation float64
}

// NewService creates the identity service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("identity store is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token issuer is required")
	}
	if len(cfg.Scopes) == 0 {
		return nil, errors.New("scope catalog must not be empty")
	}

	s := &Service{
		store:             cfg.Store,
		tokens:            cfg.Tokens,
		verifier:          cfg.Verifier,
		dispatcher:        cfg.Dispatcher,
		locks:             cfg.Locks,
		logger:            cfg.Logger,
		now:               cfg.Now,
		protocol:          cfg.Protocol,
		challengeTTL:      cfg.ChallengeTTL,
		tokenTTL:          cfg.TokenTTL,
		reauthSkew:        cfg.ReauthSkew,
		verifyTimeout:     cfg.VerifyTimeout,
		scopes:            slices.Clone(cfg.Scopes),
		defaultScopes:     slices.Clone(cfg.DefaultScopes),
		defaultRateLimit:  cfg.DefaultRateLimit,
		registrationLimit: cfg.RegistrationLimit,
		initialReputation: cfg.InitialReputation,
	}
	if s.verifier == nil {
		s.verifier = Ed25519Verifier{}
	}
	if s.locks == nil {
		s.locks = &store.AgentLocks{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "auth")
	if s.now == nil {
		s.now = time.Now
	}
	if s.protocol == "" {
		s.protocol = DefaultProtocol
	}
	if s.challengeTTL <= 0 {
		s.challengeTTL = DefaultChallengeTTL
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = DefaultTokenTTL
	}
	if s.reauthSkew <= 0 {
		s.reauthSkew = DefaultReauthSkew
	}
	if s.verifyTimeout <= 0 {
		s.verifyTimeout = DefaultVerifyTimeout
	}
	for _, name := range s.defaultScopes {
		if !s.knownScope(name) {
			return nil, fmt.Errorf("default scope %q is not in the catalog", name)
		}
	}

	s.replays = dedupe.NewWithClock(2*s.reauthSkew, reauthReplayCacheSize, s.now)
	return s, nil
}

// Close releases background resources.
func (s *Service) Close() {
	s.replays.Close()
}

// Protocol returns the protocol name used in messages and token issuer.
func (s *Service) Protocol() string { return s.protocol }

func (s *Service) knownScope(name string) bool {
	return slices.ContainsFunc(s.scopes, func(sc Scope) bool { return sc.Name == name })
}

// RateLimitInfo describes a token bucket in the discovery document.
type RateLimitInfo struct {
	Requests      int `json:"requests"`
	WindowSeconds int `json:"window_seconds"`
}

func rateLimitInfo(p store.RateLimitPolicy) RateLimitInfo {
	return RateLimitInfo{Requests: p.Capacity, WindowSeconds: int(p.Window / time.Second)}
}

// Discovery is the public description of how agents obtain access.
type Discovery struct {
	Protocol      string        `json:"protocol"`
	AuthMethods   []string      `json:"auth_methods"`
	Scopes        []Scope       `json:"scopes"`
	DefaultScopes []string      `json:"default_scopes"`
	Registration  RateLimitInfo `json:"registration_rate_limit"`
	RateLimit     RateLimitInfo `json:"default_rate_limit"`
	ChallengeTTL  int           `json:"challenge_ttl_seconds"`
	TokenTTL      int           `json:"token_ttl_seconds"`
	Endpoints     DiscoveryURLs `json:"endpoints"`
}

// DiscoveryURLs are the protocol endpoint paths.
type DiscoveryURLs struct {
	Register        string `json:"register"`
	Verify          string `json:"verify"`
	ReauthChallenge string `json:"reauth_challenge"`
	Reauth          string `json:"reauth"`
	Me              string `json:"me"`
}

// Discovery returns the discovery document.
func (s *Service) Discovery() Discovery {
	return Discovery{
		Protocol:      s.protocol,
		AuthMethods:   []string{"api_key", "bearer", "ed25519_challenge"},
		Scopes:        slices.Clone(s.scopes),
		DefaultScopes: slices.Clone(s.defaultScopes),
		Registration:  rateLimitInfo(s.registrationLimit),
		RateLimit:     rateLimitInfo(s.defaultRateLimit),
		ChallengeTTL:  int(s.challengeTTL / time.Second),
		TokenTTL:      int(s.tokenTTL / time.Second),
		Endpoints: DiscoveryURLs{
			Register:        "/agent/register",
			Verify:          "/agent/verify",
			ReauthChallenge: "/agent/reauth/challenge",
			Reauth:          "/agent/reauth",
			Me:              "/agent/me",
		},
	}
}

func (s *Service) notify(typ notify.EventType, agent *store.Agent) {
	s.dispatcher.Dispatch(notify.Event{
		Type:     typ,
		AgentID:  agent.ID,
		Scopes:   slices.Clone(agent.Scopes),
		Metadata: maps.Clone(agent.Metadata),
		At:       s.now(),
	})
}
