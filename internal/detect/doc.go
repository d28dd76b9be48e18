// Package detect classifies HTTP traffic as agent or human.
//
// Independent detectors each contribute at most one Signal in a fixed
// Category. The classifier averages the signals over the categories present,
// weighted by Category.DefaultWeight (or a configured override), and calls a
// request an agent when the result reaches the threshold. A client that
// declares its framework with X-Agent-Framework is an agent outright.
package detect
