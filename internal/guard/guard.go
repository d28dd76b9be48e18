// ABOUTME: Admission pipeline composing scope, status, rate limit, reputation and spending gates
// ABOUTME: Feeds behavioral events back into reputation, status and spend counters

package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/2389/agentgate/internal/agenterr"
	"github.com/2389/agentgate/internal/auth"
	"github.com/2389/agentgate/internal/notify"
	"github.com/2389/agentgate/internal/ratelimit"
	"github.com/2389/agentgate/internal/reputation"
	"github.com/2389/agentgate/internal/spending"
	"github.com/2389/agentgate/internal/store"
)

// Config holds the guard's collaborators.
type Config struct {
	Store      store.IdentityStore
	Limiter    *ratelimit.Limiter
	Reputation *reputation.Manager
	Spending   *spending.Tracker  // optional; spend checks are skipped without it
	Locks      *store.AgentLocks  // share with auth.Service
	Dispatcher *notify.Dispatcher // optional
	Logger     *slog.Logger
	Now        func() time.Time

	// DefaultPolicy applies to agents without their own rate limit.
	DefaultPolicy ratelimit.Policy
}

// Guard decides whether an authenticated agent may proceed. Each gate is
// independent; the first refusal wins.
type Guard struct {
	store         store.IdentityStore
	limiter       *ratelimit.Limiter
	reputation    *reputation.Manager
	spending      *spending.Tracker
	locks         *store.AgentLocks
	dispatcher    *notify.Dispatcher
	logger        *slog.Logger
	now           func() time.Time
	defaultPolicy ratelimit.Policy
}

// New creates a Guard.
func New(cfg Config) (*Guard, error) {
	if cfg.Store == nil {
		return nil, errors.New("identity store is required")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if cfg.Reputation == nil {
		return nil, errors.New("reputation manager is required")
	}
	if err := cfg.DefaultPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("default rate limit: %w", err)
	}
	g := &Guard{
		store:         cfg.Store,
		limiter:       cfg.Limiter,
		reputation:    cfg.Reputation,
		spending:      cfg.Spending,
		locks:         cfg.Locks,
		dispatcher:    cfg.Dispatcher,
		logger:        cfg.Logger,
		now:           cfg.Now,
		defaultPolicy: cfg.DefaultPolicy,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.locks == nil {
		g.locks = &store.AgentLocks{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "guard")
	return g, nil
}

// Spend is a proposed payment checked against the spending caps.
type Spend struct {
	Amount   float64
	Currency string
}

// Request describes what the agent is about to do.
type Request struct {
	Scope string // required scope; empty means any authenticated agent
	Spend *Spend
}

// Decision carries what every gate observed. It is returned alongside
// policy refusals so callers can still report rate limit headers.
type Decision struct {
	AgentID    string
	RateLimit  ratelimit.Result
	Reputation float64
	Spending   *spending.CheckResult
	Warnings   []string
}

// policyFor returns the agent's own bucket policy, or the default when the
// agent has none or an unusable one.
func (g *Guard) policyFor(agent *store.Agent) ratelimit.Policy {
	if agent.RateLimit == nil {
		return g.defaultPolicy
	}
	p := ratelimit.Policy{Capacity: agent.RateLimit.Capacity, Window: agent.RateLimit.Window}
	if p.Validate() != nil {
		return g.defaultPolicy
	}
	return p
}

// Admit runs the gates in order: scope, status, rate limit, reputation and,
// when the request carries a spend, the spending caps. An admitted request
// increments the agent's request counter.
func (g *Guard) Admit(ctx context.Context, ac *auth.AuthContext, req Request) (*Decision, error) {
	if ac == nil {
		return nil, agenterr.InvalidToken("authentication required")
	}
	if req.Scope != "" && !ac.HasScope(req.Scope) {
		return nil, agenterr.InsufficientScope("missing required scope").WithDetail("scope", req.Scope)
	}

	agent, err := g.load(ctx, ac.AgentID)
	if err != nil {
		return nil, err
	}
	switch agent.Status {
	case store.AgentStatusActive, store.AgentStatusFlagged:
	default:
		return nil, agenterr.AgentSuspended("agent is "+string(agent.Status)).
			WithDetail("status", string(agent.Status))
	}

	dec := &Decision{AgentID: agent.ID, Reputation: agent.Reputation}

	rl, err := g.limiter.Check(agent.ID, g.policyFor(agent))
	if err != nil {
		return nil, agenterr.Internal("checking rate limit", err)
	}
	dec.RateLimit = rl
	if !rl.Allowed {
		g.logger.Debug("rate limited", "agent_id", agent.ID, "retry_after", rl.RetryAfter)
		g.feedback(ctx, agent.ID, reputation.EventRateLimited)
		return dec, agenterr.RateLimited("rate limit exceeded", rl.RetryAfter).
			WithDetail("limit", strconv.Itoa(rl.Limit))
	}

	gate := g.reputation.CheckGate(agent.Reputation, req.Scope)
	if !gate.Allowed {
		g.logger.Info("reputation gate blocked request",
			"agent_id", agent.ID, "scope", req.Scope, "reputation", agent.Reputation, "rule", gate.Rule.Name)
		g.dispatch(notify.EventReputationBlocked, agent, map[string]string{
			"scope":          req.Scope,
			"rule":           gate.Rule.Name,
			"min_reputation": formatFloat(gate.Rule.MinReputation),
		})
		return dec, agenterr.ReputationBlocked(gate.Reason).
			WithDetail("reputation", formatFloat(agent.Reputation)).
			WithDetail("min_reputation", formatFloat(gate.Rule.MinReputation))
	}
	if gate.Warning {
		dec.Warnings = append(dec.Warnings, gate.Reason)
	}

	if req.Spend != nil && g.spending != nil {
		res, err := g.spending.CheckCap(agent.ID, req.Spend.Amount, req.Spend.Currency)
		if err != nil {
			return dec, agenterr.InvalidRequest(err.Error())
		}
		dec.Spending = &res
		if !res.Allowed {
			g.logger.Info("spending cap exceeded",
				"agent_id", agent.ID, "projected", res.Projected, "limit", res.Limit)
			g.feedback(ctx, agent.ID, reputation.EventSpendingCapExceeded)
			return dec, capError(res)
		}
		if res.Warning {
			dec.Warnings = append(dec.Warnings, capWarning(res))
			g.dispatch(notify.EventSpendingCapWarning, agent, map[string]string{
				"rule":          res.Rule.Name,
				"usage_percent": formatFloat(res.UsagePercent),
			})
		}
	}

	if err := g.countRequest(ctx, agent.ID); err != nil {
		return dec, err
	}
	return dec, nil
}

func (g *Guard) load(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := g.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, agenterr.InvalidToken("agent no longer exists")
	}
	if err != nil {
		return nil, agenterr.Internal("loading agent", err)
	}
	return agent, nil
}

func (g *Guard) countRequest(ctx context.Context, agentID string) error {
	unlock := g.locks.Lock(agentID)
	defer unlock()

	agent, err := g.load(ctx, agentID)
	if err != nil {
		return err
	}
	agent.RequestCount++
	if err := g.store.UpdateAgent(ctx, agent); err != nil {
		return agenterr.Internal("updating request count", err)
	}
	return nil
}

// RecordEvent applies a behavioral event to the agent's reputation and moves
// its status when a threshold is crossed.
func (g *Guard) RecordEvent(ctx context.Context, agentID string, event reputation.EventType) (*store.Agent, error) {
	unlock := g.locks.Lock(agentID)
	defer unlock()

	agent, err := g.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, agenterr.AgentNotFound("agent is not registered")
	}
	if err != nil {
		return nil, agenterr.Internal("loading agent", err)
	}

	previous := agent.Status
	agent.Reputation = g.reputation.CalculateScore(agent.Reputation, event)
	agent.Status = g.reputation.StatusFor(previous, agent.Reputation)
	agent.UpdatedAt = g.now()
	if err := g.store.UpdateAgent(ctx, agent); err != nil {
		return nil, agenterr.Internal("updating reputation", err)
	}

	if agent.Status != previous {
		g.logger.Info("agent status changed",
			"agent_id", agentID, "from", previous, "to", agent.Status, "reputation", agent.Reputation, "event", event)
		g.dispatch(notify.EventStatusChanged, agent, map[string]string{
			"previous_status": string(previous),
			"status":          string(agent.Status),
			"reputation":      formatFloat(agent.Reputation),
			"event":           string(event),
		})
	}
	return agent, nil
}

// feedback records event and only logs failures. Used where the caller is
// already returning a more relevant error.
func (g *Guard) feedback(ctx context.Context, agentID string, event reputation.EventType) {
	if _, err := g.RecordEvent(ctx, agentID, event); err != nil {
		g.logger.Warn("failed to record reputation event", "agent_id", agentID, "event", event, "error", err)
	}
}

// RecordSpend re-checks the caps and records amount against the agent. The
// check and the record happen under the agent lock so concurrent spends
// cannot overshoot a hard cap together.
func (g *Guard) RecordSpend(ctx context.Context, agentID string, amount float64, currency string) (spending.Summary, error) {
	if g.spending == nil {
		return spending.Summary{}, agenterr.InvalidRequest("spending is not tracked")
	}

	unlock := g.locks.Lock(agentID)
	defer unlock()

	agent, err := g.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return spending.Summary{}, agenterr.AgentNotFound("agent is not registered")
	}
	if err != nil {
		return spending.Summary{}, agenterr.Internal("loading agent", err)
	}

	res, err := g.spending.CheckCap(agentID, amount, currency)
	if err != nil {
		return spending.Summary{}, agenterr.InvalidRequest(err.Error())
	}
	if !res.Allowed {
		return spending.Summary{}, capError(res)
	}

	// Agent first, ledger second; a ledger failure rolls the agent back.
	agent.TotalPaid += amount
	agent.UpdatedAt = g.now()
	if err := g.store.UpdateAgent(ctx, agent); err != nil {
		return spending.Summary{}, agenterr.Internal("updating total paid", err)
	}

	summary, err := g.spending.RecordSpend(agentID, amount, currency)
	if err != nil {
		agent.TotalPaid -= amount
		if uerr := g.store.UpdateAgent(ctx, agent); uerr != nil {
			g.logger.Error("failed to roll back total paid", "agent_id", agentID, "amount", amount, "error", uerr)
		}
		if errors.Is(err, spending.ErrInvalidAmount) {
			return spending.Summary{}, agenterr.InvalidRequest(err.Error())
		}
		return spending.Summary{}, agenterr.Internal("recording spend", err)
	}
	return summary, nil
}

// Spending returns the agent's current totals in currency.
func (g *Guard) Spending(agentID, currency string) (spending.Summary, bool) {
	if g.spending == nil {
		return spending.Summary{}, false
	}
	return g.spending.Spending(agentID, currency), true
}

func (g *Guard) dispatch(typ notify.EventType, agent *store.Agent, md map[string]string) {
	g.dispatcher.Dispatch(notify.Event{
		Type:     typ,
		AgentID:  agent.ID,
		Scopes:   agent.Scopes,
		Metadata: md,
		At:       g.now(),
	})
}

func capError(res spending.CheckResult) *agenterr.Error {
	e := agenterr.SpendingCapExceeded(
		fmt.Sprintf("spend would reach %s of %s", formatFloat(res.Projected), formatFloat(res.Limit)),
		res.RetryAfter)
	if res.Rule != nil {
		e = e.WithDetail("rule", res.Rule.Name).WithDetail("period", string(res.Rule.Period))
	}
	return e.WithDetail("limit", formatFloat(res.Limit))
}

func capWarning(res spending.CheckResult) string {
	name := "spending cap"
	if res.Rule != nil && res.Rule.Name != "" {
		name = res.Rule.Name
	}
	return fmt.Sprintf("%s at %.0f%% of limit", name, res.UsagePercent)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
