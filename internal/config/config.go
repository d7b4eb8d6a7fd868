// ABOUTME: Configuration loading and parsing for coven-fleet
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrMissingProvider is returned when a session is started without a provider model.
var ErrMissingProvider = errors.New("session has no provider configured")

// Config represents the complete coven-fleet configuration
type Config struct {
	DataDir       string               `yaml:"data_dir" toml:"data_dir"`
	Logging       LoggingConfig        `yaml:"logging" toml:"logging"`
	Scheduler     SchedulerConfig      `yaml:"scheduler" toml:"scheduler"`
	Delivery      DeliveryConfig       `yaml:"delivery" toml:"delivery"`
	MCP           MCPConfig            `yaml:"mcp" toml:"mcp"`
	Search        SearchConfig         `yaml:"search" toml:"search"`
	Organizations []OrganizationConfig `yaml:"organizations" toml:"organizations"`
	Sessions      []SessionConfig      `yaml:"sessions" toml:"sessions"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// SchedulerConfig holds schedule engine timing configuration
type SchedulerConfig struct {
	MinDelay       time.Duration `yaml:"-" toml:"-"`
	IdlePoll       time.Duration `yaml:"-" toml:"-"`
	TriggerTimeout time.Duration `yaml:"-" toml:"-"`

	// Timezone is an IANA location name used to evaluate cron expressions.
	// Empty means the process local time.
	Timezone string `yaml:"timezone" toml:"timezone"`

	// Raw string values for unmarshaling
	MinDelayRaw       string `yaml:"min_delay" toml:"min_delay"`
	IdlePollRaw       string `yaml:"idle_poll" toml:"idle_poll"`
	TriggerTimeoutRaw string `yaml:"trigger_timeout" toml:"trigger_timeout"`
}

// DeliveryConfig holds mention delivery retry configuration
type DeliveryConfig struct {
	ActiveRetry   time.Duration `yaml:"-" toml:"-"`
	InactiveRetry time.Duration `yaml:"-" toml:"-"`
	MaxBackoff    time.Duration `yaml:"-" toml:"-"`
	DedupeTTL     time.Duration `yaml:"-" toml:"-"`

	ActiveRetryRaw   string `yaml:"active_retry" toml:"active_retry"`
	InactiveRetryRaw string `yaml:"inactive_retry" toml:"inactive_retry"`
	MaxBackoffRaw    string `yaml:"max_backoff" toml:"max_backoff"`
	DedupeTTLRaw     string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// MCPConfig holds protocol connection timeouts
type MCPConfig struct {
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`
	CallTimeout      time.Duration `yaml:"-" toml:"-"`

	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	CallTimeoutRaw      string `yaml:"call_timeout" toml:"call_timeout"`
}

// SearchConfig holds organization chat search tuning
type SearchConfig struct {
	FuzzyThreshold float64          `yaml:"fuzzy_threshold" toml:"fuzzy_threshold"`
	MaxResults     int              `yaml:"max_results" toml:"max_results"`
	Embeddings     EmbeddingsConfig `yaml:"embeddings" toml:"embeddings"`
}

// EmbeddingsConfig points semantic search at an OpenAI-compatible embeddings endpoint
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
	APIKey  string `yaml:"api_key" toml:"api_key"`
	Model   string `yaml:"model" toml:"model"`
}

// OrganizationConfig declares a tenant boundary
type OrganizationConfig struct {
	ID   string `yaml:"id" toml:"id"`
	Name string `yaml:"name" toml:"name"`
}

// SessionConfig describes one independently configured agent session
type SessionConfig struct {
	ID           string            `yaml:"id" toml:"id"`
	Name         string            `yaml:"name" toml:"name"`
	Organization string            `yaml:"organization" toml:"organization"`
	Workspace    string            `yaml:"workspace" toml:"workspace"`
	Autostart    bool              `yaml:"autostart" toml:"autostart"`
	Provider     ProviderConfig    `yaml:"provider" toml:"provider"`
	Tools        ToolsConfig       `yaml:"tools" toml:"tools"`
	MCPServers   []MCPServerConfig `yaml:"mcp_servers" toml:"mcp_servers"`
	Discord      DiscordRoute      `yaml:"discord" toml:"discord"`
	Slack        SlackRoute        `yaml:"slack" toml:"slack"`
	Matrix       MatrixRoute       `yaml:"matrix" toml:"matrix"`
	A2A          A2ARoute          `yaml:"a2a" toml:"a2a"`
}

// DisplayName returns the configured name, falling back to the id.
func (s SessionConfig) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// ProviderConfig holds the LLM endpoint for a session
type ProviderConfig struct {
	BaseURL      string `yaml:"base_url" toml:"base_url"`
	APIKey       string `yaml:"api_key" toml:"api_key"`
	Model        string `yaml:"model" toml:"model"`
	MaxTokens    int64  `yaml:"max_tokens" toml:"max_tokens"`
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
}

// Configured reports whether a model is set.
func (p ProviderConfig) Configured() bool {
	return p.Model != ""
}

// ToolsConfig filters which tools a session may see.
// Patterns are matched against namespaced tool names with filepath.Match.
type ToolsConfig struct {
	Allow []string `yaml:"allow" toml:"allow"`
	Deny  []string `yaml:"deny" toml:"deny"`
}

// Permits reports whether the tool name passes the allow and deny lists.
func (t ToolsConfig) Permits(name string) bool {
	for _, pattern := range t.Deny {
		if ok, _ := filepath.Match(pattern, name); ok {
			return false
		}
	}
	if len(t.Allow) == 0 {
		return true
	}
	for _, pattern := range t.Allow {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// MCPServerConfig is a protocol connection launch spec.
// Either Command (subprocess) or Builtin (in-process handler) must be set.
type MCPServerConfig struct {
	ID       string            `yaml:"id" toml:"id"`
	Command  string            `yaml:"command" toml:"command"`
	Args     []string          `yaml:"args" toml:"args"`
	Env      map[string]string `yaml:"env" toml:"env"`
	Builtin  string            `yaml:"builtin" toml:"builtin"`
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	APIKey   string            `yaml:"api_key" toml:"api_key"`
	Model    string            `yaml:"model" toml:"model"`
	Disabled bool              `yaml:"disabled" toml:"disabled"`
}

// DiscordRoute binds a session to Discord guilds and channels
type DiscordRoute struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	GuildIDs     []string `yaml:"guild_ids" toml:"guild_ids"`
	ChannelIDs   []string `yaml:"channel_ids" toml:"channel_ids"`
	AllowedUsers []string `yaml:"allowed_users" toml:"allowed_users"`
}

// SlackRoute binds a session to Slack teams and channels
type SlackRoute struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	BotToken     string   `yaml:"bot_token" toml:"bot_token"`
	TeamIDs      []string `yaml:"team_ids" toml:"team_ids"`
	ChannelIDs   []string `yaml:"channel_ids" toml:"channel_ids"`
	AllowedUsers []string `yaml:"allowed_users" toml:"allowed_users"`
}

// MatrixRoute binds a session to Matrix rooms
type MatrixRoute struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	Homeserver   string   `yaml:"homeserver" toml:"homeserver"`
	RoomIDs      []string `yaml:"room_ids" toml:"room_ids"`
	AllowedUsers []string `yaml:"allowed_users" toml:"allowed_users"`
}

// A2ARoute exposes a session to agent-to-agent requests
type A2ARoute struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	Aliases []string `yaml:"aliases" toml:"aliases"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Defaults applied when a value is left unset.
const (
	DefaultMinDelay         = time.Second
	DefaultIdlePoll         = time.Minute
	DefaultTriggerTimeout   = 30 * time.Second
	DefaultActiveRetry      = 5 * time.Second
	DefaultInactiveRetry    = time.Minute
	DefaultMaxBackoff       = 5 * time.Minute
	DefaultDedupeTTL        = time.Hour
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultCallTimeout      = 2 * time.Minute
	DefaultFuzzyThreshold   = 0.5
	DefaultMaxResults       = 20
)

// applyDefaults fills zero values with the package defaults.
func (c *Config) applyDefaults() {
	setDuration(&c.Scheduler.MinDelay, DefaultMinDelay)
	setDuration(&c.Scheduler.IdlePoll, DefaultIdlePoll)
	setDuration(&c.Scheduler.TriggerTimeout, DefaultTriggerTimeout)
	setDuration(&c.Delivery.ActiveRetry, DefaultActiveRetry)
	setDuration(&c.Delivery.InactiveRetry, DefaultInactiveRetry)
	setDuration(&c.Delivery.MaxBackoff, DefaultMaxBackoff)
	setDuration(&c.Delivery.DedupeTTL, DefaultDedupeTTL)
	setDuration(&c.MCP.HandshakeTimeout, DefaultHandshakeTimeout)
	setDuration(&c.MCP.CallTimeout, DefaultCallTimeout)

	if c.Search.FuzzyThreshold <= 0 {
		c.Search.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if c.Search.MaxResults <= 0 {
		c.Search.MaxResults = DefaultMaxResults
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	orgs := make(map[string]bool, len(c.Organizations))
	for _, org := range c.Organizations {
		if org.ID == "" {
			return fmt.Errorf("organizations: id is required")
		}
		if orgs[org.ID] {
			return fmt.Errorf("organizations: duplicate id %q", org.ID)
		}
		orgs[org.ID] = true
	}

	sessions := make(map[string]bool, len(c.Sessions))
	for _, s := range c.Sessions {
		if err := s.Validate(); err != nil {
			return err
		}
		if sessions[s.ID] {
			return fmt.Errorf("sessions: duplicate id %q", s.ID)
		}
		sessions[s.ID] = true
		if s.Organization != "" && !orgs[s.Organization] {
			return fmt.Errorf("session %q: unknown organization %q", s.ID, s.Organization)
		}
	}

	if _, err := c.Scheduler.Location(); err != nil {
		return err
	}

	return nil
}

// Validate checks a single session definition.
func (s SessionConfig) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("sessions: id is required")
	}
	if s.Workspace == "" {
		return fmt.Errorf("session %q: workspace is required", s.ID)
	}

	servers := make(map[string]bool, len(s.MCPServers))
	for _, srv := range s.MCPServers {
		if srv.ID == "" {
			return fmt.Errorf("session %q: mcp server id is required", s.ID)
		}
		if strings.Contains(srv.ID, "__") {
			return fmt.Errorf("session %q: mcp server id %q must not contain \"__\"", s.ID, srv.ID)
		}
		if servers[srv.ID] {
			return fmt.Errorf("session %q: duplicate mcp server id %q", s.ID, srv.ID)
		}
		servers[srv.ID] = true
		if (srv.Command == "") == (srv.Builtin == "") {
			return fmt.Errorf("session %q: mcp server %q needs exactly one of command or builtin", s.ID, srv.ID)
		}
	}
	return nil
}

// Location resolves the configured timezone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// Session looks up a session definition by id.
func (c *Config) Session(id string) (SessionConfig, bool) {
	for _, s := range c.Sessions {
		if s.ID == id {
			return s, true
		}
	}
	return SessionConfig{}, false
}

// OrganizationsDir is where per-organization chat logs live.
func (c *Config) OrganizationsDir() string {
	return filepath.Join(c.DataDir, "organizations")
}

// DatabasePath is the SQLite file holding worker state and the event ledger.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "fleet.db")
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.min_delay", cfg.Scheduler.MinDelayRaw, &cfg.Scheduler.MinDelay},
		{"scheduler.idle_poll", cfg.Scheduler.IdlePollRaw, &cfg.Scheduler.IdlePoll},
		{"scheduler.trigger_timeout", cfg.Scheduler.TriggerTimeoutRaw, &cfg.Scheduler.TriggerTimeout},
		{"delivery.active_retry", cfg.Delivery.ActiveRetryRaw, &cfg.Delivery.ActiveRetry},
		{"delivery.inactive_retry", cfg.Delivery.InactiveRetryRaw, &cfg.Delivery.InactiveRetry},
		{"delivery.max_backoff", cfg.Delivery.MaxBackoffRaw, &cfg.Delivery.MaxBackoff},
		{"delivery.dedupe_ttl", cfg.Delivery.DedupeTTLRaw, &cfg.Delivery.DedupeTTL},
		{"mcp.handshake_timeout", cfg.MCP.HandshakeTimeoutRaw, &cfg.MCP.HandshakeTimeout},
		{"mcp.call_timeout", cfg.MCP.CallTimeoutRaw, &cfg.MCP.CallTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
