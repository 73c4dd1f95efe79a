// Package config handles configuration loading for the burrow hub and agent.
//
// # Configuration File
//
// A single file serves both roles. Files ending in .toml are decoded as TOML,
// anything else as YAML. Without a file, Default() is used.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// # Environment Overrides
//
// These variables win over the file:
//
//	HTTP_SERVER_PORT         hub listen port
//	WS_HOST                  hub listen host
//	HUB_WS_URI               agent tunnel URL (ws://host:port/ws)
//	HUB_PROXY_RESPONSE_URI   agent callback base URL
//
// # Durations
//
// Duration values use time.ParseDuration syntax:
//
//	hub:
//	  answer_timeout: "30s"
//	  pending_ttl: "60s"
//	agent:
//	  backoff_initial: "1s"
//	  backoff_max: "60s"
//
// # Validation
//
// Load does not validate, since it cannot know the role. Call ValidateHub or
// ValidateAgent after loading.
package config
