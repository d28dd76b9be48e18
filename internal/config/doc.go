// Package config handles configuration loading for agentgate.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by a ".toml"
// extension) decoded over Default, so every section is optional except the
// JWT secret and the scope catalog.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from AGENTGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agentgate/config.yaml
//  3. ~/.config/agentgate/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${AGENTGATE_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  token_ttl: "1h"
//	  challenge_ttl: "5m"
//	rate_limits:
//	  default:
//	    requests: 100
//	    window: "1m"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	protocol: "agentgate"
//	auth:
//	  jwt_secret: "${AGENTGATE_JWT_SECRET}"
//	scopes:
//	  catalog:
//	    - name: "data.read"
//	    - name: "payments.send"
//	      description: "Initiate payments"
//	  defaults: ["data.read"]
//	reputation:
//	  gates:
//	    - name: "payments"
//	      scopes: ["payments.*"]
//	      min_reputation: 40
//	      action: "block"
//	spending:
//	  caps:
//	    - period: "daily"
//	      amount: 100
//	      currency: "USDC"
//	      kind: "hard"
//	detection:
//	  threshold: 0.5
//	  weights:
//	    user_agent: 0.4
//	logging:
//	  level: "info"
//	  format: "json"
//
// # Component Configs
//
// The Build* methods convert sections into the configs the reputation,
// spending and detect packages take. Validate runs each of them.
package config
