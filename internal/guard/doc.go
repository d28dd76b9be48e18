// Package guard composes the per-request trust gates for authenticated
// agents.
//
// Admit runs, in order:
//
//  1. scope check against the authenticated scopes
//  2. current agent status (flagged agents pass)
//  3. the agent's token bucket, or the default policy
//  4. reputation gates for the requested scope
//  5. spending caps, when the request proposes a spend
//
// RecordEvent and RecordSpend feed outcomes back: reputation moves, status
// follows the flag and suspend thresholds, and spend totals accumulate. All
// agent writes take the shared per-agent lock.
//
// Sweeper periodically drops idle buckets, elapsed spend records and expired
// challenges.
package guard
