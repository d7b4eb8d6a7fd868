// Package config handles configuration loading for coven-fleet.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. --config flag
//  2. Path from COVEN_FLEET_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/fleet.yaml
//  4. ~/.config/coven/fleet.yaml
//
// # Environment Variable Expansion
//
//	sessions:
//	  - id: ops
//	    provider:
//	      api_key: "${ANTHROPIC_API_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	scheduler:
//	  min_delay: "1s"
//	  idle_poll: "60s"
//	delivery:
//	  active_retry: "5s"
//	  inactive_retry: "1m"
//	  max_backoff: "5m"
//
// # Sessions
//
// Each session names a workspace, a provider and its protocol servers:
//
//	sessions:
//	  - id: ops
//	    name: "Ops Bot"
//	    organization: acme
//	    workspace: /srv/agents/ops
//	    provider:
//	      model: claude-sonnet-4-5
//	    mcp_servers:
//	      - id: files
//	        command: mcp-files
//	        args: ["--root", "/srv/agents/ops"]
//	      - id: chat
//	        builtin: org_chat
//
// # Validation
//
// Load() applies defaults then validates:
//
//   - data_dir is present
//   - session and organization ids are unique
//   - sessions reference declared organizations
//   - every protocol server sets exactly one of command or builtin
//   - scheduler.timezone is a known location
package config
