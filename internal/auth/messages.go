// ABOUTME: Canonical challenge messages agents sign for registration and re-auth
// ABOUTME: Timestamps are UTC RFC 3339 with millisecond precision

package auth

import (
	"fmt"
	"time"
)

// TimestampLayout is the wire format of challenge timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts TimestampLayout and any RFC 3339 time.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: want %s", s, TimestampLayout)
	}
	return t, nil
}

// RegistrationMessage is the string an agent signs to prove it holds the key
// it registered with.
func RegistrationMessage(protocol, agentID, timestamp, nonce string) string {
	return fmt.Sprintf("%s:register:%s:%s:%s", protocol, agentID, timestamp, nonce)
}

// ReauthMessage is the string an active agent signs to obtain a new token.
// timestamp is used exactly as the client sent it.
func ReauthMessage(protocol, agentID, timestamp string) string {
	return fmt.Sprintf("%s:auth:%s:%s", protocol, agentID, timestamp)
}
