// Package store defines the identity storage contract for agentgate.
//
// # Architecture
//
// The core never depends on a concrete backend. It consumes two narrow
// interfaces, combined as IdentityStore:
//
//   - AgentStore: CRUD and lookups (by ID, public key, API key hash) for agents
//   - ChallengeStore: pending single-use challenges keyed by agent ID
//
// MemoryStore is the in-process reference implementation. Other backends
// implement the same interfaces outside this module.
//
// # Data Models
//
//   - Agent: registered programmatic caller with scopes, reputation and status
//   - Challenge: server-issued message awaiting a signature, carrying the
//     pending candidate identity for registrations
//
// # Consuming Challenges
//
// DeleteChallenge must report ErrNotFound when the challenge is already gone.
// The credential issuer deletes a challenge before creating the agent, so of
// two concurrent verifications only one can win.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateAgent / ErrDuplicatePubkey: uniqueness violations
//   - ErrDuplicateChallenge: a live challenge is already pending for the ID
//
// All methods accept context.Context for cancellation support.
package store
