// Package config handles configuration loading for stacker-plane.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${STACKER_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	commands:
//	  default_wait: "30s"
//	  max_wait: "120s"
//	  reconcile_interval: "30s"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database, with separate connection pools for agent and operator traffic:
//
//	database:
//	  path: "/var/lib/stacker/plane.db"
//	  agent_conns: 8
//	  api_conns: 4
//
// Secret store:
//
//	vault:
//	  enabled: true
//	  address: "http://127.0.0.1:8200"
//	  token: "${VAULT_TOKEN}"
//	  mount: "secret"
//	  timeout: "5s"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${STACKER_JWT_SECRET}"
//	  token_cache_ttl: "1m"
//
// Agent liveness:
//
//	agents:
//	  offline_after: "5m"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
