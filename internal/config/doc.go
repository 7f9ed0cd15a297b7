// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every field has a default, so an empty file (or no file at
// all) produces a runnable gateway.
//
// # Configuration File
//
// Locations (in order):
//
//  1. The --config flag
//  2. Path from RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/relay/gateway.yaml (~/.config when unset)
//
// Files ending in .toml are decoded as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:5005"
//	  grpc_addr: ""               # optional gRPC health endpoint
//
//	storage:
//	  backend: json               # json, bolt, sqlite, memory
//	  path: "message_store.json"
//	  driver: sqlite              # sqlite (pure Go) or sqlite3 (cgo)
//
//	relay:
//	  buffer_size: 16
//	  producer_timeout: "60s"
//
//	dedupe:
//	  ttl: "10m"
//	  max_entries: 10000
//
//	rate_limit:
//	  enabled: false
//	  requests_per_second: 5
//	  burst: 10
//
//	cors:
//	  allowed_origins: ["*"]
//
//	processor:
//	  kind: scripted              # scripted, echo
//	  fallback: "Sorry, I didn't get that."
//	  rules:
//	    - match: "hello"
//	      replies:
//	        - text: "Hi!"
//	          delay: "500ms"
//
//	logging:
//	  level: "info"               # debug, info, warn, error
//	  format: "text"              # text, json
//
// # Usage
//
//	cfg, path, err := config.Resolve(flagPath)
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
