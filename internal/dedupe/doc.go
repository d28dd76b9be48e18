// Package dedupe provides a bounded, time-windowed set of seen keys used to
// refuse repeated requests, such as a replayed re-auth signature, within a
// configurable window.
package dedupe
