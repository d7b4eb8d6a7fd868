// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "fleet.yaml", `
data_dir: "/var/lib/coven"

logging:
  level: "debug"
  format: "json"

scheduler:
  min_delay: "2s"
  idle_poll: "30s"
  timezone: "UTC"

organizations:
  - id: acme
    name: "Acme"

sessions:
  - id: ops
    name: "Ops Bot"
    organization: acme
    workspace: "/srv/agents/ops"
    autostart: true
    provider:
      model: "claude-sonnet-4-5"
    tools:
      deny: ["files__delete*"]
    mcp_servers:
      - id: files
        command: mcp-files
        args: ["--root", "/srv/agents/ops"]
        env:
          LOG_LEVEL: debug
      - id: chat
        builtin: org_chat
    discord:
      enabled: true
      guild_ids: ["g1"]
      channel_ids: ["c1"]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DataDir != "/var/lib/coven" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "/var/lib/coven")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if cfg.Scheduler.MinDelay != 2*time.Second {
		t.Errorf("Scheduler.MinDelay = %v, want 2s", cfg.Scheduler.MinDelay)
	}
	if cfg.Scheduler.IdlePoll != 30*time.Second {
		t.Errorf("Scheduler.IdlePoll = %v, want 30s", cfg.Scheduler.IdlePoll)
	}
	if len(cfg.Sessions) != 1 {
		t.Fatalf("len(Sessions) = %d, want 1", len(cfg.Sessions))
	}

	s := cfg.Sessions[0]
	if s.DisplayName() != "Ops Bot" {
		t.Errorf("DisplayName() = %q, want %q", s.DisplayName(), "Ops Bot")
	}
	if len(s.MCPServers) != 2 {
		t.Fatalf("len(MCPServers) = %d, want 2", len(s.MCPServers))
	}
	if s.MCPServers[0].Env["LOG_LEVEL"] != "debug" {
		t.Errorf("MCPServers[0].Env = %v, want LOG_LEVEL=debug", s.MCPServers[0].Env)
	}
	if s.MCPServers[1].Builtin != "org_chat" {
		t.Errorf("MCPServers[1].Builtin = %q, want org_chat", s.MCPServers[1].Builtin)
	}
	if !s.Discord.Enabled || s.Discord.ChannelIDs[0] != "c1" {
		t.Errorf("Discord = %+v, want enabled with channel c1", s.Discord)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "fleet.toml", `
data_dir = "/tmp/fleet"

[delivery]
active_retry = "3s"

[[sessions]]
id = "ops"
workspace = "/srv/ops"

[sessions.provider]
model = "claude-sonnet-4-5"

[[sessions.mcp_servers]]
id = "files"
command = "mcp-files"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != "/tmp/fleet" {
		t.Errorf("DataDir = %q, want /tmp/fleet", cfg.DataDir)
	}
	if cfg.Delivery.ActiveRetry != 3*time.Second {
		t.Errorf("Delivery.ActiveRetry = %v, want 3s", cfg.Delivery.ActiveRetry)
	}
	if len(cfg.Sessions) != 1 || cfg.Sessions[0].MCPServers[0].Command != "mcp-files" {
		t.Errorf("Sessions = %+v, want one session with mcp-files", cfg.Sessions)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "fleet.yaml", `data_dir: "/tmp/fleet"`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"min_delay", cfg.Scheduler.MinDelay, DefaultMinDelay},
		{"idle_poll", cfg.Scheduler.IdlePoll, DefaultIdlePoll},
		{"trigger_timeout", cfg.Scheduler.TriggerTimeout, DefaultTriggerTimeout},
		{"active_retry", cfg.Delivery.ActiveRetry, DefaultActiveRetry},
		{"inactive_retry", cfg.Delivery.InactiveRetry, DefaultInactiveRetry},
		{"max_backoff", cfg.Delivery.MaxBackoff, DefaultMaxBackoff},
		{"dedupe_ttl", cfg.Delivery.DedupeTTL, DefaultDedupeTTL},
		{"handshake_timeout", cfg.MCP.HandshakeTimeout, DefaultHandshakeTimeout},
		{"call_timeout", cfg.MCP.CallTimeout, DefaultCallTimeout},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if cfg.Search.FuzzyThreshold != DefaultFuzzyThreshold {
		t.Errorf("Search.FuzzyThreshold = %v, want %v", cfg.Search.FuzzyThreshold, DefaultFuzzyThreshold)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_FLEET_KEY", "sk-test")
	t.Setenv("TEST_FLEET_DIR", "/data/fleet")

	configPath := writeConfig(t, "fleet.yaml", `
data_dir: "${TEST_FLEET_DIR}"
sessions:
  - id: ops
    workspace: "/srv/ops"
    provider:
      api_key: "${TEST_FLEET_KEY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != "/data/fleet" {
		t.Errorf("DataDir = %q, want /data/fleet", cfg.DataDir)
	}
	if cfg.Sessions[0].Provider.APIKey != "sk-test" {
		t.Errorf("Provider.APIKey = %q, want sk-test", cfg.Sessions[0].Provider.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/fleet.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "fleet.yaml", `
data_dir: "/tmp/fleet"
scheduler:
  idle_poll: "soon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "scheduler.idle_poll") {
		t.Errorf("Load() error = %q, want it to name scheduler.idle_poll", err.Error())
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name:          "missing data_dir",
			configContent: `logging: {level: info}`,
			wantErrSubstr: "data_dir is required",
		},
		{
			name: "duplicate session",
			configContent: `
data_dir: /tmp/fleet
sessions:
  - {id: ops, workspace: /a}
  - {id: ops, workspace: /b}
`,
			wantErrSubstr: `duplicate id "ops"`,
		},
		{
			name: "unknown organization",
			configContent: `
data_dir: /tmp/fleet
sessions:
  - {id: ops, workspace: /a, organization: ghost}
`,
			wantErrSubstr: `unknown organization "ghost"`,
		},
		{
			name: "server without command or builtin",
			configContent: `
data_dir: /tmp/fleet
sessions:
  - id: ops
    workspace: /a
    mcp_servers:
      - id: files
`,
			wantErrSubstr: "needs exactly one of command or builtin",
		},
		{
			name: "server id with separator",
			configContent: `
data_dir: /tmp/fleet
sessions:
  - id: ops
    workspace: /a
    mcp_servers:
      - {id: "a__b", command: x}
`,
			wantErrSubstr: `must not contain "__"`,
		},
		{
			name: "missing workspace",
			configContent: `
data_dir: /tmp/fleet
sessions:
  - id: ops
`,
			wantErrSubstr: "workspace is required",
		},
		{
			name: "bad timezone",
			configContent: `
data_dir: /tmp/fleet
scheduler:
  timezone: "Mars/Olympus"
`,
			wantErrSubstr: "scheduler.timezone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "fleet.yaml", tt.configContent)

			_, err := Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestToolsConfig_Permits(t *testing.T) {
	tests := []struct {
		name  string
		tools ToolsConfig
		tool  string
		want  bool
	}{
		{"empty allows everything", ToolsConfig{}, "files__read", true},
		{"deny wins", ToolsConfig{Deny: []string{"files__*"}}, "files__read", false},
		{"allow list match", ToolsConfig{Allow: []string{"chat__*"}}, "chat__post", true},
		{"allow list miss", ToolsConfig{Allow: []string{"chat__*"}}, "files__read", false},
		{"deny beats allow", ToolsConfig{Allow: []string{"*"}, Deny: []string{"shell__exec"}}, "shell__exec", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tools.Permits(tt.tool); got != tt.want {
				t.Errorf("Permits(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"single env var", "${FOO}", "bar"},
		{"env var with surrounding text", "prefix-${FOO}-suffix", "prefix-bar-suffix"},
		{"multiple env vars", "${FOO}/${BAZ}", "bar/qux"},
		{"no env vars", "no-vars-here", "no-vars-here"},
		{"unset env var", "${UNSET_VAR_FLEET}", ""},
		{"empty string", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
