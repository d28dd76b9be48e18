// ABOUTME: Routing and middleware for the gateway HTTP server
// ABOUTME: Request IDs, agent detection annotations, per-IP pre-auth limits and rate limit headers

package gateway

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/agentgate/internal/agenterr"
	"github.com/2389/agentgate/internal/auth"
	"github.com/2389/agentgate/internal/detect"
	"github.com/2389/agentgate/internal/guard"
	"github.com/2389/agentgate/internal/ratelimit"
)

// Response headers set by the gateway.
const (
	HeaderRequestID          = "X-Request-ID"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderAgentDetected      = "X-Agent-Detected"
	HeaderAgentConfidence    = "X-Agent-Confidence"
	HeaderAgentFramework     = "X-Agent-Detected-Framework"
)

type requestIDKey struct{}
type detectionKey struct{}

// Handler returns the gateway's complete HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	authn := auth.HTTPAuthMiddleware(g.auth)
	payments := auth.RequireScopeHTTP(ScopePayments)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /.well-known/agent-access.json", g.handleDiscovery)

	mux.Handle("POST /agent/register", g.limitByIP("register", g.regPolicy, http.HandlerFunc(g.handleRegister)))
	mux.Handle("POST /agent/verify", g.limitByIP("verify", g.preAuth, http.HandlerFunc(g.handleVerify)))
	mux.Handle("POST /agent/reauth/challenge", g.limitByIP("reauth-challenge", g.preAuth, http.HandlerFunc(g.handleReauthChallenge)))
	mux.Handle("POST /agent/reauth", g.limitByIP("reauth", g.preAuth, http.HandlerFunc(g.handleReauth)))

	mux.Handle("GET /agent/me", authn(http.HandlerFunc(g.handleMe)))
	mux.Handle("DELETE /agent/me", authn(http.HandlerFunc(g.handleRevoke)))
	mux.Handle("POST /agent/rotate-key", authn(http.HandlerFunc(g.handleRotateKey)))
	mux.Handle("POST /agent/spend", authn(payments(http.HandlerFunc(g.handleSpend))))

	mux.Handle("POST /detect", auth.OptionalAuthMiddleware(g.auth)(http.HandlerFunc(g.handleDetect)))

	return g.withRequestID(g.withDetection(mux))
}

// withRequestID tags each request with an ID, reusing a well-formed one
// supplied by the caller.
func (g *Gateway) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withDetection classifies every request when annotation is enabled and
// reports the verdict in response headers.
func (g *Gateway) withDetection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.annotate {
			next.ServeHTTP(w, r)
			return
		}

		result := g.classifier.Classify(g.detectRequest(r))
		w.Header().Set(HeaderAgentDetected, strconv.FormatBool(result.IsAgent))
		w.Header().Set(HeaderAgentConfidence, strconv.FormatFloat(result.Confidence, 'f', 2, 64))
		if result.Framework != "" {
			w.Header().Set(HeaderAgentFramework, result.Framework)
		}
		g.logger.Debug("request classified",
			"path", r.URL.Path,
			"is_agent", result.IsAgent,
			"confidence", result.Confidence,
			"reason", result.Reason,
		)

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), detectionKey{}, result)))
	})
}

func detectionFrom(ctx context.Context) (detect.Result, bool) {
	res, ok := ctx.Value(detectionKey{}).(detect.Result)
	return res, ok
}

func (g *Gateway) detectRequest(r *http.Request) detect.Request {
	return detect.Request{Header: r.Header, RemoteAddr: g.clientIP(r)}
}

// clientIP returns the caller's address without port. X-Forwarded-For is
// honored only when the server is configured to trust proxy headers.
func (g *Gateway) clientIP(r *http.Request) string {
	if g.config.Server.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// limitByIP applies policy per client IP before any identity exists. Each
// route counts in its own named bucket.
func (g *Gateway) limitByIP(bucket string, policy ratelimit.Policy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := g.clientIP(r)
		res, err := g.ipLimiter.Check(bucket+":"+ip, policy)
		if err != nil {
			g.writeError(w, r, agenterr.Internal("checking client rate limit", err))
			return
		}
		writeRateLimitHeaders(w, res)
		if !res.Allowed {
			g.writeError(w, r, agenterr.RateLimited("too many attempts from this address", res.RetryAfter).
				WithDetail("limit", strconv.Itoa(res.Limit)).
				WithDetail("bucket", bucket))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setRateLimitHeaders reports the agent's bucket when the guard got far
// enough to check it.
func setRateLimitHeaders(w http.ResponseWriter, d *guard.Decision) {
	if d == nil || d.RateLimit.Limit == 0 {
		return
	}
	writeRateLimitHeaders(w, d.RateLimit)
}

func writeRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(res.ResetAt.Unix(), 10))
}
