// Package reputation scores agent behavior and gates scopes on the score.
package reputation
