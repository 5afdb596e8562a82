// Package config handles configuration loading for minion-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from MINION_GATEWAY_CONFIG environment variable
//  3. ./config.yaml (current directory)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${MINION_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	rpc:
//	  default_timeout: "30s"
//	  keepalive_interval: "30s"
//	sink:
//	  dedupe_ttl: "10m"
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"   # minion streams and CloudRpc
//	  http_addr: "0.0.0.0:8080"    # health, API and metrics
//	  server_id: "gw-1"            # defaults to the hostname
//
//	tailscale:
//	  enabled: false
//	  hostname: "minion-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  state_dir: "/var/lib/minion-gateway/tsnet"
//	  ephemeral: false
//
//	database:
//	  path: "/var/lib/minion-gateway/gateway.db"
//
//	auth:
//	  jwt_secret: ""               # empty trusts tenant-id/location metadata
//	  default_tenant: ""
//
//	rpc:
//	  max_pending: 0               # 0 means unlimited
//	  response_workers: 64
//	  cloud_handler_workers: 32
//
//	presence:
//	  redis_url: ""                # empty disables publishing
//	  redis_key: "minion_presence_events"
//
//	sink:
//	  dedupe_size: 10000
//	  workers: 16
//
//	logging:
//	  level: "info"                # debug, info, warn, error
//	  format: "text"               # text or json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
