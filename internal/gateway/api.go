// ABOUTME: HTTP handlers for the agent access protocol and guarded agent endpoints
// ABOUTME: Decodes JSON requests, calls the identity service and guard, and writes JSON responses

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/agentgate/internal/agenterr"
	"github.com/2389/agentgate/internal/auth"
	"github.com/2389/agentgate/internal/detect"
	"github.com/2389/agentgate/internal/guard"
	"github.com/2389/agentgate/internal/reputation"
	"github.com/2389/agentgate/internal/store"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

// RegisterRequest is the body of POST /agent/register.
type RegisterRequest struct {
	PublicKey string            `json:"public_key"`
	Scopes    []string          `json:"scopes,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// VerifyRequest is the body of POST /agent/verify.
type VerifyRequest struct {
	AgentID   string `json:"agent_id"`
	Signature string `json:"signature"`
}

// ReauthChallengeRequest is the body of POST /agent/reauth/challenge.
type ReauthChallengeRequest struct {
	AgentID string `json:"agent_id"`
}

// ReauthRequest is the body of POST /agent/reauth.
type ReauthRequest struct {
	AgentID   string `json:"agent_id"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

// SpendRequest is the body of POST /agent/spend.
type SpendRequest struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// RateLimitView describes an agent's bucket.
type RateLimitView struct {
	Requests      int `json:"requests"`
	WindowSeconds int `json:"window_seconds"`
}

// AgentResponse is the public view of an agent returned by GET /agent/me.
type AgentResponse struct {
	AgentID      string            `json:"agent_id"`
	Status       string            `json:"status"`
	Scopes       []string          `json:"scopes"`
	Reputation   float64           `json:"reputation"`
	RequestCount int64             `json:"request_count"`
	TotalPaid    float64           `json:"total_paid"`
	RateLimit    *RateLimitView    `json:"rate_limit,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	AuthMethod   string            `json:"auth_method"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAuthAt   *time.Time        `json:"last_auth_at,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
}

// SpendResponse is returned after a spend is recorded.
type SpendResponse struct {
	AgentID  string   `json:"agent_id"`
	Amount   float64  `json:"amount"`
	Currency string   `json:"currency"`
	Daily    float64  `json:"daily_total"`
	Monthly  float64  `json:"monthly_total"`
	Warnings []string `json:"warnings,omitempty"`
}

// DetectResponse is the classifier verdict for the calling request, with
// the caller's agent ID when it presented a valid credential.
type DetectResponse struct {
	detect.Result
	AgentID string `json:"agent_id,omitempty"`
}

// RotateKeyResponse carries a freshly issued API key.
type RotateKeyResponse struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return agenterr.InvalidRequest("request body is required")
	case errors.As(err, &tooLarge):
		return agenterr.InvalidRequest("request body is too large")
	default:
		return agenterr.InvalidRequest("invalid JSON body")
	}
}

// writeError writes err and logs it at a level matching its kind.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := agenterr.From(err)
	switch {
	case e.Code == agenterr.CodeInternal:
		g.logger.Error("request failed", "path", r.URL.Path, "request_id", requestID(r.Context()), "error", err)
	case agenterr.IsPolicy(e):
		g.logger.Info("request refused", "path", r.URL.Path, "code", e.Code)
	default:
		g.logger.Debug("request rejected", "path", r.URL.Path, "code", e.Code, "message", e.Message)
	}
	agenterr.WriteHTTP(w, e)
}

// handleDiscovery handles GET /.well-known/agent-access.json.
func (g *Gateway) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, g.auth.Discovery())
}

// handleRegister handles POST /agent/register and returns the challenge to sign.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.PublicKey == "" {
		g.writeError(w, r, agenterr.InvalidRequest("public_key is required"))
		return
	}

	challenge, err := g.auth.IssueRegistrationChallenge(r.Context(), auth.RegistrationRequest{
		PublicKey: req.PublicKey,
		Scopes:    req.Scopes,
		Metadata:  req.Metadata,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

// handleVerify handles POST /agent/verify and returns the new agent's credentials.
func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.AgentID == "" || req.Signature == "" {
		g.writeError(w, r, agenterr.InvalidRequest("agent_id and signature are required"))
		return
	}

	creds, err := g.auth.VerifyRegistration(r.Context(), req.AgentID, req.Signature)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, creds)
}

// handleReauthChallenge handles POST /agent/reauth/challenge.
func (g *Gateway) handleReauthChallenge(w http.ResponseWriter, r *http.Request) {
	var req ReauthChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.AgentID == "" {
		g.writeError(w, r, agenterr.InvalidRequest("agent_id is required"))
		return
	}

	challenge, err := g.auth.IssueReauthChallenge(r.Context(), req.AgentID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

// handleReauth handles POST /agent/reauth. Failures are not scored against
// the agent named in the body.
func (g *Gateway) handleReauth(w http.ResponseWriter, r *http.Request) {
	var req ReauthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.AgentID == "" || req.Timestamp == "" || req.Signature == "" {
		g.writeError(w, r, agenterr.InvalidRequest("agent_id, timestamp and signature are required"))
		return
	}

	token, err := g.auth.VerifyReauth(r.Context(), req.AgentID, req.Timestamp, req.Signature)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, token)
}

// handleMe handles GET /agent/me. The request passes through the guard like
// any other agent request.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())
	decision, err := g.guard.Admit(r.Context(), ac, guard.Request{})
	setRateLimitHeaders(w, decision)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	agent, err := g.store.GetAgent(r.Context(), ac.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		g.writeError(w, r, agenterr.AgentNotFound("agent is not registered"))
		return
	}
	if err != nil {
		g.writeError(w, r, agenterr.Internal("loading agent", err))
		return
	}

	resp := AgentResponse{
		AgentID:      agent.ID,
		Status:       string(agent.Status),
		Scopes:       agent.Scopes,
		Reputation:   agent.Reputation,
		RequestCount: agent.RequestCount,
		TotalPaid:    agent.TotalPaid,
		Metadata:     agent.Metadata,
		AuthMethod:   ac.Method,
		CreatedAt:    agent.CreatedAt,
		LastAuthAt:   agent.LastAuthAt,
		Warnings:     decision.Warnings,
	}
	if agent.RateLimit != nil {
		resp.RateLimit = &RateLimitView{
			Requests:      agent.RateLimit.Capacity,
			WindowSeconds: int(agent.RateLimit.Window / time.Second),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSpend handles POST /agent/spend. The spend is admitted by the guard
// and recorded against the caps. It earns payment_success at most once per
// credit interval.
func (g *Gateway) handleSpend(w http.ResponseWriter, r *http.Request) {
	var req SpendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.Currency == "" {
		g.writeError(w, r, agenterr.InvalidRequest("currency is required"))
		return
	}

	ac := auth.MustFromContext(r.Context())
	decision, err := g.guard.Admit(r.Context(), ac, guard.Request{
		Scope: ScopePayments,
		Spend: &guard.Spend{Amount: req.Amount, Currency: req.Currency},
	})
	setRateLimitHeaders(w, decision)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	summary, err := g.guard.RecordSpend(r.Context(), ac.AgentID, req.Amount, req.Currency)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.creditPayment(r, ac.AgentID)

	writeJSON(w, http.StatusOK, SpendResponse{
		AgentID:  ac.AgentID,
		Amount:   req.Amount,
		Currency: summary.Currency,
		Daily:    summary.Daily,
		Monthly:  summary.Monthly,
		Warnings: decision.Warnings,
	})
}

// handleRotateKey handles POST /agent/rotate-key.
func (g *Gateway) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())
	key, err := g.auth.RotateAPIKey(r.Context(), ac.AgentID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, RotateKeyResponse{AgentID: ac.AgentID, APIKey: key})
}

// handleRevoke handles DELETE /agent/me. The agent's key may register again
// afterwards.
func (g *Gateway) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())
	if err := g.auth.Revoke(r.Context(), ac.AgentID); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.limiter.Reset(ac.AgentID)
	g.spending.Reset(ac.AgentID)
	if g.credits != nil {
		g.credits.Reset(ac.AgentID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDetect handles POST /detect and returns the classifier's verdict for
// the calling request. Credentials are optional.
func (g *Gateway) handleDetect(w http.ResponseWriter, r *http.Request) {
	result, ok := detectionFrom(r.Context())
	if !ok {
		result = g.classifier.Classify(g.detectRequest(r))
	}
	resp := DetectResponse{Result: result}
	if ac := auth.FromContext(r.Context()); ac != nil {
		resp.AgentID = ac.AgentID
	}
	writeJSON(w, http.StatusOK, resp)
}

// creditPayment records payment_success when the agent has not earned one
// within the credit interval.
func (g *Gateway) creditPayment(r *http.Request, agentID string) {
	if g.credits == nil {
		return
	}
	res, err := g.credits.Check(agentID, g.creditPolicy)
	if err != nil || !res.Allowed {
		return
	}
	g.feedback(r, agentID, reputation.EventPaymentSuccess)
}

// feedback records a reputation event and only logs failures.
func (g *Gateway) feedback(r *http.Request, agentID string, event reputation.EventType) {
	if _, err := g.guard.RecordEvent(r.Context(), agentID, event); err != nil {
		g.logger.Debug("reputation feedback not recorded", "agent_id", agentID, "event", event, "error", err)
	}
}
