// ABOUTME: Tests for the gateway HTTP surface and lifecycle
// ABOUTME: Drives registration, reauth, guarded endpoints and detection through the real handler

package gateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentgate/internal/auth"
	"github.com/2389/agentgate/internal/config"
	"github.com/2389/agentgate/internal/detect"
)

const testConfigYAML = `
server:
  http_addr: "%s"
  trust_proxy_headers: %t
auth:
  jwt_secret: "gateway-test-secret-with-enough-bytes"
scopes:
  catalog:
    - name: data.read
    - name: payments.send
  defaults: [data.read]
rate_limits:
  default:
    requests: 5
    window: 1m
  registration:
    requests: 3
    window: 1h
  pre_auth:
    requests: 3
    window: 1h
reputation:
  payment_credit_interval: 1h
  gates:
    - name: payments
      scopes: [payments.send]
      min_reputation: 40
spending:
  caps:
    - period: daily
      amount: 10
      currency: USDC
`

// testConfig loads a config through config.Load so defaults and durations
// are applied the same way as in production.
func testConfig(t *testing.T, addr string, trustProxy bool) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := fmt.Sprintf(testConfigYAML, addr, trustProxy)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return newTestGatewayWithProxy(t, false)
}

func newTestGatewayWithProxy(t *testing.T, trustProxy bool) *Gateway {
	t.Helper()
	gw, err := New(testConfig(t, "127.0.0.1:0", trustProxy), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

// do sends a request through the full handler chain.
func do(t *testing.T, gw *Gateway, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	return doFrom(t, gw, "", method, path, body, header)
}

// doFrom is do with the client address set to remote, when non-empty.
func doFrom(t *testing.T, gw *Gateway, remote, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if remote != "" {
		req.RemoteAddr = remote
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

type errorBody struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorBody](t, rec).Error.Code
}

func apiKeyHeader(key string) http.Header {
	return http.Header{auth.HeaderAPIKey: []string{key}}
}

type registered struct {
	creds auth.Credentials
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
}

// register runs the full challenge-response registration.
func register(t *testing.T, gw *Gateway, scopes ...string) registered {
	t.Helper()
	pub, priv, err := auth.GenerateKeyPair()
	require.NoError(t, err)

	rec := do(t, gw, http.MethodPost, "/agent/register", RegisterRequest{
		PublicKey: auth.EncodePublicKey(pub),
		Scopes:    scopes,
		Metadata:  map[string]string{"name": "test-agent"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	challenge := decode[auth.RegistrationChallenge](t, rec)

	rec = do(t, gw, http.MethodPost, "/agent/verify", VerifyRequest{
		AgentID:   challenge.AgentID,
		Signature: auth.Sign(priv, challenge.Challenge),
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return registered{creds: decode[auth.Credentials](t, rec), priv: priv, pub: pub}
}

func reputationOf(t *testing.T, gw *Gateway, agentID string) float64 {
	t.Helper()
	agent, err := gw.store.GetAgent(context.Background(), agentID)
	require.NoError(t, err)
	return agent.Reputation
}

func TestGatewayNew(t *testing.T) {
	gw := newTestGateway(t)

	assert.NotNil(t, gw.auth)
	assert.NotNil(t, gw.guard)
	assert.NotNil(t, gw.classifier)
	assert.NotNil(t, gw.sweeper)
	assert.True(t, gw.annotate)

	_, err := New(nil, testLogger())
	assert.Error(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["agents"])
}

func TestDiscovery(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/.well-known/agent-access.json", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=300", rec.Header().Get("Cache-Control"))

	doc := decode[auth.Discovery](t, rec)
	assert.Equal(t, "agentgate", doc.Protocol)
	assert.Equal(t, []string{"api_key", "bearer", "ed25519_challenge"}, doc.AuthMethods)
	assert.Equal(t, []string{"data.read"}, doc.DefaultScopes)
	assert.Len(t, doc.Scopes, 2)
	assert.Equal(t, 3, doc.Registration.Requests)
	assert.Equal(t, 3600, doc.Registration.WindowSeconds)
	assert.Equal(t, "/agent/register", doc.Endpoints.Register)
}

func TestRegistration_EndToEnd(t *testing.T) {
	gw := newTestGateway(t)
	agent := register(t, gw)

	assert.Equal(t, []string{"data.read"}, agent.creds.Scopes)
	assert.NotEmpty(t, agent.creds.APIKey)
	assert.NotEmpty(t, agent.creds.Token)

	rec := do(t, gw, http.MethodGet, "/agent/me", nil, apiKeyHeader(agent.creds.APIKey))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "5", rec.Header().Get(HeaderRateLimitLimit))
	assert.Equal(t, "4", rec.Header().Get(HeaderRateLimitRemaining))
	assert.NotEmpty(t, rec.Header().Get(HeaderRateLimitReset))

	me := decode[AgentResponse](t, rec)
	assert.Equal(t, agent.creds.AgentID, me.AgentID)
	assert.Equal(t, "active", me.Status)
	assert.Equal(t, 50.0, me.Reputation)
	assert.EqualValues(t, 1, me.RequestCount)
	assert.Equal(t, auth.MethodAPIKey, me.AuthMethod)
	assert.Equal(t, "test-agent", me.Metadata["name"])
	require.NotNil(t, me.RateLimit)
	assert.Equal(t, 5, me.RateLimit.Requests)
	assert.Equal(t, 60, me.RateLimit.WindowSeconds)

	bearer := http.Header{"Authorization": []string{"Bearer " + agent.creds.Token}}
	rec = do(t, gw, http.MethodGet, "/agent/me", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, auth.MethodBearer, decode[AgentResponse](t, rec).AuthMethod)
}

func TestVerify_ChallengeIsSingleUse(t *testing.T) {
	gw := newTestGateway(t)
	pub, priv, err := auth.GenerateKeyPair()
	require.NoError(t, err)

	rec := do(t, gw, http.MethodPost, "/agent/register", RegisterRequest{PublicKey: auth.EncodePublicKey(pub)}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	challenge := decode[auth.RegistrationChallenge](t, rec)

	verify := VerifyRequest{AgentID: challenge.AgentID, Signature: auth.Sign(priv, challenge.Challenge)}
	rec = do(t, gw, http.MethodPost, "/agent/verify", verify, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = do(t, gw, http.MethodPost, "/agent/verify", verify, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "CHALLENGE_NOT_FOUND", errorCode(t, rec))
}

func TestRegister_Rejections(t *testing.T) {
	pub, _, err := auth.GenerateKeyPair()
	require.NoError(t, err)

	tests := []struct {
		name     string
		body     any
		wantCode string
	}{
		{"empty body", nil, "INVALID_REQUEST"},
		{"missing public key", RegisterRequest{}, "INVALID_REQUEST"},
		{"malformed public key", RegisterRequest{PublicKey: "not-a-key"}, "INVALID_REQUEST"},
		{"unknown scope", RegisterRequest{PublicKey: auth.EncodePublicKey(pub), Scopes: []string{"admin.all"}}, "INVALID_SCOPE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newTestGateway(t)
			rec := do(t, gw, http.MethodPost, "/agent/register", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, rec))
		})
	}
}

func TestRegister_DuplicateKey(t *testing.T) {
	gw := newTestGateway(t)
	agent := register(t, gw)

	rec := do(t, gw, http.MethodPost, "/agent/register", RegisterRequest{PublicKey: auth.EncodePublicKey(agent.pub)}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_IDENTITY", errorCode(t, rec))
}

func TestRegister_RateLimitedPerIP(t *testing.T) {
	gw := newTestGateway(t)

	send := func(remote, forwarded string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/agent/register", bytes.NewReader([]byte(`{}`)))
		req.RemoteAddr = remote
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, req)
		return rec
	}

	for i := range 3 {
		rec := send("203.0.113.9:5000", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "attempt %d reaches the handler", i+1)
		assert.Equal(t, strconv.Itoa(2-i), rec.Header().Get(HeaderRateLimitRemaining))
	}

	rec := send("203.0.113.9:5001", "198.51.100.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "forwarded header is ignored without trust")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	body := decode[errorBody](t, rec)
	assert.Equal(t, "RATE_LIMITED", body.Error.Code)
	assert.Equal(t, "3", body.Error.Details["limit"])

	rec = send("203.0.113.10:5000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "other addresses have their own bucket")
}

func TestRegister_TrustedProxyHeader(t *testing.T) {
	gw := newTestGatewayWithProxy(t, true)

	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/agent/register", bytes.NewReader([]byte(`{}`)))
		req.RemoteAddr = "10.0.0.1:443"
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	for range 3 {
		assert.Equal(t, http.StatusBadRequest, send("198.51.100.1, 10.0.0.1"))
	}
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.1"))
	assert.Equal(t, http.StatusBadRequest, send("198.51.100.2"), "each forwarded client has its own bucket")
}

func TestAgentMe_RequiresCredential(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/agent/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, rec))

	rec = do(t, gw, http.MethodGet, "/agent/me", nil, apiKeyHeader("ak_unknown"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAgentMe_RateLimited(t *testing.T) {
	gw := newTestGateway(t)
	agent := register(t, gw)
	header := apiKeyHeader(agent.creds.APIKey)

	for range 5 {
		rec := do(t, gw, http.MethodGet, "/agent/me", nil, header)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, gw, http.MethodGet, "/agent/me", nil, header)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get(HeaderRateLimitRemaining))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))

	assert.Equal(t, 49.0, reputationOf(t, gw, agent.creds.AgentID))
}

func TestReauth_Flow(t *testing.T) {
	gw := newTestGateway(t)
	agent := register(t, gw)
	id := agent.creds.AgentID

	rec := do(t, gw, http.MethodPost, "/agent/reauth/challenge", ReauthChallengeRequest{AgentID: id}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	challenge := decode[auth.ReauthChallenge](t, rec)

	rec = do(t, gw, http.MethodPost, "/agent/reauth", ReauthRequest{
		AgentID:   id,
		Timestamp: challenge.Timestamp,
		Signature: auth.Sign(agent.priv, challenge.Challenge),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token := decode[auth.AccessToken](t, rec)
	assert.Equal(t, []string{"data.read"}, token.Scopes)

	bearer := http.Header{"Authorization": []string{"Bearer " + token.Token}}
	rec = do(t, gw, http.MethodGet, "/agent/me", nil, bearer)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReauth_AnonymousFailuresLeaveReputation(t *testing.T) {
	gw := newTestGateway(t)
	agent := register(t, gw)
	id := agent.creds.AgentID

	rec := do(t, gw, http.MethodPost, "/agent/reauth/challenge", ReauthChallengeRequest{AgentID: id}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	challenge := decode[auth.ReauthChallenge](t, rec)

	// Only the agent ID is known to these callers.
	for i := range 6 {
		remote := fmt.Sprintf("198.51.100.%d:4000", i/3+1)
		rec = doFrom(t, gw, remote, http.MethodPost, "/agent/reauth", ReauthRequest{
			AgentID:   id,
			Timestamp: challenge.Timestamp,
			Signature: strings.Repeat("A", 88),
		}, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
		assert.Equal(t, "INVALID_SIGNATURE", errorCode(t, rec))
	}
	assert.Equal(t, 50.0, reputationOf(t, gw, id))

	rec = doFrom(t, gw, "198.51.100.9:4000", http.MethodPost, "/agent/reauth", ReauthRequest{AgentID: id}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	signed := ReauthRequest{AgentID: id, Timestamp: challenge.Timestamp, Signature: auth.Sign(agent.priv, challenge.Challenge)}
	rec = doFrom(t, gw, "198.51.100.9:4000", http.MethodPost, "/agent/reauth", signed, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doFrom(t, gw, "198.51.100.9:4000", http.MethodPost, "/agent/reauth", signed, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "replay", decode[errorBody](t, rec).Error.Details["reason"])

	stored, err := gw.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 50.0, stored.Reputation)
	assert.Equal(t, "active", string(stored.Status))
}

func TestReauth_RateLimitedPerIP(t *testing.T) {
	gw := newTestGateway(t)
	agent := register(t, gw)
	id := agent.creds.AgentID
	const remote = "203.0.113.50:6000"

	bad := ReauthRequest{AgentID: id, Timestamp: auth.FormatTimestamp(time.Now()), Signature: strings.Repeat("A", 88)}
	for i := range 3 {
		rec := doFrom(t, gw, remote, http.MethodPost, "/agent/reauth", bad, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d reaches the handler", i+1)
		assert.Equal(t, strconv.Itoa(2-i), rec.Header().Get(HeaderRateLimitRemaining))
	}

	rec := doFrom(t, gw, remote, http.MethodPost, "/agent/reauth", bad, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	body := decode[errorBody](t, rec)
	assert.Equal(t, "RATE_LIMITED", body.Error.Code)
	assert.Equal(t, "reauth", body.Error.Details["bucket"])

	rec = doFrom(t, gw, remote, http.MethodPost, "/agent/reauth/challenge", ReauthChallengeRequest{AgentID: id}, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "each route has its own bucket")

	for range 3 {
		doFrom(t, gw, remote, http.MethodPost, "/agent/verify", VerifyRequest{AgentID: "agent_x", Signature: "sig"}, nil)
	}
	rec = doFrom(t, gw, remote, http.MethodPost, "/agent/verify", VerifyRequest{AgentID: "agent_x", Signature: "sig"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestSpend(t *testing.T) {
	gw := newTestGateway(t)
	agent := register(t, gw, "data.read", "payments.send")
	header := apiKeyHeader(agent.creds.APIKey)
	id := agent.creds.AgentID

	rec := do(t, gw, http.MethodPost, "/agent/spend", SpendRequest{Amount: 6, Currency: "usdc"}, header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SpendResponse](t, rec)
	assert.Equal(t, "USDC", resp.Currency)
	assert.Equal(t, 6.0, resp.Daily)
	assert.Equal(t, 6.0, resp.Monthly)
	assert.Equal(t, 52.0, reputationOf(t, gw, id))

	rec = do(t, gw, http.MethodPost, "/agent/spend", SpendRequest{Amount: 5, Currency: "USDC"}, header)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "SPENDING_CAP_EXCEEDED", errorCode(t, rec))
	assert.Equal(t, 50.0, reputationOf(t, gw, id))

	stored, err := gw.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 6.0, stored.TotalPaid)

	rec = do(t, gw, http.MethodPost, "/agent/spend", SpendRequest{Amount: -1, Currency: "USDC"}, header)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, gw, http.MethodPost, "/agent/spend", SpendRequest{Amount: 1}, header)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSpend_CreditedOncePerInterval(t *testing.T) {
	gw := newTestGateway(t)
	agent := register(t, gw, "data.read", "payments.send")
	header := apiKeyHeader(agent.creds.APIKey)
	id := agent.creds.AgentID

	for range 3 {
		rec := do(t, gw, http.MethodPost, "/agent/spend", SpendRequest{Amount: 0.01, Currency: "USDC"}, header)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Equal(t, 52.0, reputationOf(t, gw, id))

	stored, err := gw.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, 0.03, stored.TotalPaid, 1e-9)
}

func TestSpend_RequiresPaymentScope(t *testing.T) {
	gw := newTestGateway(t)
	agent := register(t, gw)

	rec := do(t, gw, http.MethodPost, "/agent/spend", SpendRequest{Amount: 1, Currency: "USDC"}, apiKeyHeader(agent.creds.APIKey))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "INSUFFICIENT_SCOPE", body.Error.Code)
	assert.Equal(t, ScopePayments, body.Error.Details["scope"])
}

func TestRotateKey(t *testing.T) {
	gw := newTestGateway(t)
	agent := register(t, gw)
	oldKey := apiKeyHeader(agent.creds.APIKey)

	rec := do(t, gw, http.MethodPost, "/agent/rotate-key", nil, oldKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rotated := decode[RotateKeyResponse](t, rec)
	assert.NotEqual(t, agent.creds.APIKey, rotated.APIKey)

	assert.Equal(t, http.StatusUnauthorized, do(t, gw, http.MethodGet, "/agent/me", nil, oldKey).Code)
	assert.Equal(t, http.StatusOK, do(t, gw, http.MethodGet, "/agent/me", nil, apiKeyHeader(rotated.APIKey)).Code)
}

func TestRevoke(t *testing.T) {
	gw := newTestGateway(t)
	agent := register(t, gw)
	header := apiKeyHeader(agent.creds.APIKey)

	rec := do(t, gw, http.MethodDelete, "/agent/me", nil, header)
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, http.StatusUnauthorized, do(t, gw, http.MethodGet, "/agent/me", nil, header).Code)

	rec = do(t, gw, http.MethodPost, "/agent/register", RegisterRequest{PublicKey: auth.EncodePublicKey(agent.pub)}, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "a revoked key may register again")
}

func TestDetect(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodPost, "/detect", nil, http.Header{
		detect.HeaderAgentFramework: []string{"langchain/0.1.0"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderAgentDetected))
	assert.Equal(t, "1.00", rec.Header().Get(HeaderAgentConfidence))
	assert.Equal(t, "langchain", rec.Header().Get(HeaderAgentFramework))

	result := decode[detect.Result](t, rec)
	assert.True(t, result.IsAgent)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, "langchain", result.Framework)
}

func TestDetect_IdentifiesAuthenticatedCaller(t *testing.T) {
	gw := newTestGateway(t)
	agent := register(t, gw)

	rec := do(t, gw, http.MethodPost, "/detect", nil, apiKeyHeader(agent.creds.APIKey))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, agent.creds.AgentID, decode[DetectResponse](t, rec).AgentID)

	rec = do(t, gw, http.MethodPost, "/detect", nil, apiKeyHeader("ak_unknown"))
	require.Equal(t, http.StatusOK, rec.Code, "bad credentials are treated as anonymous")
	assert.Empty(t, decode[DetectResponse](t, rec).AgentID)
}

func TestDetect_BrowserAnnotation(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/health", nil, http.Header{
		"User-Agent":      []string{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"},
		"Accept":          []string{"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
		"Accept-Language": []string{"en-US,en;q=0.9"},
		"Accept-Encoding": []string{"gzip, deflate, br"},
		"Sec-Fetch-Mode":  []string{"navigate"},
		"Sec-Fetch-Site":  []string{"none"},
		"Sec-Fetch-Dest":  []string{"document"},
		"Sec-Ch-Ua":       []string{`"Chromium";v="124"`},
		"Cookie":          []string{"session=abc"},
		"Referer":         []string{"https://example.com/"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "false", rec.Header().Get(HeaderAgentDetected))
	assert.Empty(t, rec.Header().Get(HeaderAgentFramework))
}

func TestRequestID(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/health", nil, nil)
	generated := rec.Header().Get(HeaderRequestID)
	assert.Len(t, generated, 36)

	supplied := "4f2a4c1e-8c1b-4a55-9f55-0d6f1d2f3b8a"
	rec = do(t, gw, http.MethodGet, "/health", nil, http.Header{HeaderRequestID: []string{supplied}})
	assert.Equal(t, supplied, rec.Header().Get(HeaderRequestID))

	rec = do(t, gw, http.MethodGet, "/health", nil, http.Header{HeaderRequestID: []string{"<script>"}})
	assert.NotEqual(t, "<script>", rec.Header().Get(HeaderRequestID))
}

func TestGatewayRunAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	gw, err := New(testConfig(t, addr, false), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}
}
