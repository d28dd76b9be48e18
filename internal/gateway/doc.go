// Package gateway hosts the agentgate HTTP server.
//
// # Overview
//
// The gateway builds every component from a config.Config: the in-memory
// identity store, the auth.Service running the challenge-response protocol,
// the guard.Guard composing rate limits, reputation gates and spending caps,
// the detect.Classifier, and the guard.Sweeper cleaning up ephemeral state.
//
// # HTTP API
//
//	GET    /health                          liveness and registered agent count
//	GET    /.well-known/agent-access.json   discovery document
//	POST   /agent/register                  issue a registration challenge
//	POST   /agent/verify                    verify the signed challenge, issue credentials
//	POST   /agent/reauth/challenge          describe the re-auth message to sign
//	POST   /agent/reauth                    verify a re-auth signature, issue a token
//	GET    /agent/me                        the caller's agent record (guarded)
//	DELETE /agent/me                        revoke the caller
//	POST   /agent/rotate-key                replace the caller's API key
//	POST   /agent/spend                     record spend against the caps (guarded, payments.send)
//	POST   /detect                          classify the calling request (credential optional)
//
// The four unauthenticated /agent routes are limited per client IP, each in
// its own bucket: register under rate_limits.registration, the others under
// rate_limits.pre_auth.
//
// Agent endpoints accept an API key in X-API-Key or a bearer token in
// Authorization. Errors use the envelope {"error":{"code","message","details"}}.
//
// # Annotations
//
// When detection is enabled every response carries X-Agent-Detected and
// X-Agent-Confidence. Guarded endpoints report the caller's bucket in
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset, and 429
// responses carry Retry-After.
//
// # Feedback
//
// A recorded spend counts as payment_success at most once per
// reputation.payment_credit_interval. The guard itself records rate_limited
// and spending_cap_exceeded. Unauthenticated failures are never scored.
package gateway
