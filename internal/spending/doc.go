// Package spending tracks what each agent has spent and enforces caps.
//
// Spend is aggregated per agent, currency and UTC calendar period (daily and
// monthly). CheckCap evaluates the configured CapRules against the current
// totals plus a proposed amount: hard caps deny once exceeded, soft caps only
// warn. When several rules apply the most restrictive verdict is returned.
package spending
