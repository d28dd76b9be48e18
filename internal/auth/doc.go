// Package auth provides agent identity for agentgate.
//
// # Registration
//
// An agent proves possession of an Ed25519 key with a single-use challenge:
//
//	ch, err := svc.IssueRegistrationChallenge(ctx, auth.RegistrationRequest{PublicKey: pub})
//	// agent signs ch.Challenge
//	creds, err := svc.VerifyRegistration(ctx, ch.AgentID, signature)
//
// The challenge message has the form
//
//	<protocol>:register:<agent_id>:<timestamp>:<nonce>
//
// and expires after ChallengeTTL. A wrong signature leaves the challenge in
// place so the legitimate key holder can still complete it. A correct one
// consumes it before the agent is created.
//
// Public keys are accepted as base64 (any variant), hex, or an OpenSSH
// "ssh-ed25519" authorized key line. They are stored in canonical base64.
//
// # Re-authentication
//
// A registered agent obtains a fresh token by signing
//
//	<protocol>:auth:<agent_id>:<timestamp>
//
// with a timestamp within ReauthSkew of server time. Each (agent, timestamp)
// pair is accepted once.
//
// # Credentials
//
// Registration returns an API key (prefix "agk_", stored only as a SHA-256
// hash) and an HS256 JWT access token. Authenticate resolves either one.
// Flagged agents authenticate normally; suspended and revoked agents do not.
//
// # HTTP
//
// HTTPAuthMiddleware reads "Authorization: Bearer" or "X-API-Key" and stores
// an AuthContext on the request context. OptionalAuthMiddleware does the same
// but lets anonymous callers through. RequireScopeHTTP gates a handler on a
// single scope.
package auth
