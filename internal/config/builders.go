// ABOUTME: Conversions from file configuration to component configurations
// ABOUTME: Each builder validates its section by constructing the component's own config

package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/2389/agentgate/internal/auth"
	"github.com/2389/agentgate/internal/detect"
	"github.com/2389/agentgate/internal/ratelimit"
	"github.com/2389/agentgate/internal/reputation"
	"github.com/2389/agentgate/internal/spending"
	"github.com/2389/agentgate/internal/store"
)

// Policy returns the limiter policy for r.
func (r RateLimitConfig) Policy() (ratelimit.Policy, error) {
	p := ratelimit.Policy{Capacity: r.Requests, Window: r.Window}
	if err := p.Validate(); err != nil {
		return ratelimit.Policy{}, err
	}
	return p, nil
}

// StorePolicy returns r as the policy stored on a new agent.
func (r RateLimitConfig) StorePolicy() store.RateLimitPolicy {
	return store.RateLimitPolicy{Capacity: r.Requests, Window: r.Window}
}

// BuildScopes returns the scope catalog.
func (c *Config) BuildScopes() []auth.Scope {
	out := make([]auth.Scope, len(c.Scopes.Catalog))
	for i, s := range c.Scopes.Catalog {
		out[i] = auth.Scope{Name: s.Name, Description: s.Description}
	}
	return out
}

// BuildReputation returns the reputation manager config. Weights from the
// file override the defaults per event.
func (c *Config) BuildReputation() (reputation.Config, error) {
	r := c.Reputation
	weights := reputation.DefaultWeights()
	for name, w := range r.Weights {
		ev := reputation.EventType(name)
		if _, known := weights[ev]; !known {
			return reputation.Config{}, fmt.Errorf("unknown event %q in weights", name)
		}
		weights[ev] = w
	}

	gates := make([]reputation.GateRule, len(r.Gates))
	for i, g := range r.Gates {
		action := reputation.Action(strings.ToLower(g.Action))
		if action == "" {
			action = reputation.ActionBlock
		}
		gates[i] = reputation.GateRule{
			Name:          g.Name,
			Scopes:        g.Scopes,
			MinReputation: g.MinReputation,
			Action:        action,
		}
	}

	out := reputation.Config{
		Initial:          r.Initial,
		Min:              r.Min,
		Max:              r.Max,
		Weights:          weights,
		Gates:            gates,
		FlagThreshold:    r.FlagThreshold,
		SuspendThreshold: r.SuspendThreshold,
	}
	if err := out.Validate(); err != nil {
		return reputation.Config{}, err
	}
	return out, nil
}

// BuildSpendingRules returns the spending cap rules.
func (c *Config) BuildSpendingRules() ([]spending.CapRule, error) {
	rules := make([]spending.CapRule, 0, len(c.Spending.Caps))
	for i, cp := range c.Spending.Caps {
		kind := spending.CapKind(strings.ToLower(cp.Kind))
		if kind == "" {
			kind = spending.CapHard
		}
		name := cp.Name
		if name == "" {
			name = fmt.Sprintf("%s-%s", strings.ToLower(cp.Period), strings.ToLower(cp.Currency))
		}
		rule := spending.CapRule{
			Name:             name,
			Period:           spending.Period(strings.ToLower(cp.Period)),
			Amount:           cp.Amount,
			Currency:         strings.ToUpper(cp.Currency),
			Kind:             kind,
			WarningThreshold: cp.WarningThreshold,
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("caps[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// BuildDetection returns the classifier config. Extra cloud ranges are added
// to the built-in list.
func (c *Config) BuildDetection() (detect.Config, error) {
	d := c.Detection
	out := detect.Config{Threshold: d.Threshold}

	if len(d.Weights) > 0 {
		out.Weights = make(map[detect.Category]float64, len(d.Weights))
		for name, w := range d.Weights {
			cat, ok := detect.ParseCategory(name)
			if !ok {
				return detect.Config{}, fmt.Errorf("unknown category %q in weights", name)
			}
			out.Weights[cat] = w
		}
	}

	if len(d.CloudRanges) > 0 {
		out.CloudRanges = detect.DefaultCloudRanges()
		for _, cr := range d.CloudRanges {
			for _, cidr := range cr.CIDRs {
				prefix, err := netip.ParsePrefix(cidr)
				if err != nil {
					return detect.Config{}, fmt.Errorf("cloud range %s: %w", cr.Provider, err)
				}
				out.CloudRanges = append(out.CloudRanges, detect.CloudRange{Provider: cr.Provider, Prefix: prefix.Masked()})
			}
		}
	}

	if _, err := detect.NewClassifier(out); err != nil {
		return detect.Config{}, err
	}
	return out, nil
}
