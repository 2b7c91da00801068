// Package config handles Cortex configuration loading.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/cortex/config.yaml,
// /etc/cortex/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cortex", "config.yaml"))
	}

	paths = append(paths, "/etc/cortex/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Cortex configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Logging     LoggingConfig     `yaml:"logging"`
	Store       StoreConfig       `yaml:"store"`
	LLM         LLMConfig         `yaml:"llm"`
	Agent       AgentConfig       `yaml:"agent"`
	Credentials CredentialsConfig `yaml:"credentials"`
	MCP         MCPConfig         `yaml:"mcp"`
	Weather     WeatherConfig     `yaml:"weather"`
	Directions  DirectionsConfig  `yaml:"directions"`
	Drive       DriveConfig       `yaml:"drive"`
	Mail        MailConfig        `yaml:"mail"`
	Calendar    CalendarConfig    `yaml:"calendar"`
	Contacts    ContactsConfig    `yaml:"contacts"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`

	// PublicURL is the externally reachable origin used to build the
	// OAuth redirect URI. Defaults to http://localhost:<port>.
	PublicURL string `yaml:"public_url"`
}

// Addr returns the host:port the server binds to.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// BaseURL returns PublicURL or a localhost fallback.
func (l ListenConfig) BaseURL() string {
	if l.PublicURL != "" {
		return l.PublicURL
	}
	return fmt.Sprintf("http://localhost:%d", l.Port)
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	// Driver is one of "sqlite3" (cgo), "sqlite" (pure Go), or "postgres".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file. Ignored for postgres.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

// ModelAlias rewrites requested model identifiers before they reach
// the provider. A requested model containing Contains is replaced with
// Target.
type ModelAlias struct {
	Contains string `yaml:"contains"`
	Target   string `yaml:"target"`
}

// LLMConfig describes the OpenAI-compatible completion endpoint.
type LLMConfig struct {
	BaseURL      string            `yaml:"base_url"`
	APIKey       string            `yaml:"api_key"`
	DefaultModel string            `yaml:"default_model"`
	Headers      map[string]string `yaml:"headers"`
	Aliases      []ModelAlias      `yaml:"aliases"`
	Timeout      time.Duration     `yaml:"timeout"`
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	SystemPrompt   string        `yaml:"system_prompt"`
	FollowUpPrompt string        `yaml:"follow_up_prompt"`
	HistoryTurns   int           `yaml:"history_turns"`
	FollowUpTurns  int           `yaml:"follow_up_turns"`
	TurnTimeout    time.Duration `yaml:"turn_timeout"`
	MaxToolWorkers int           `yaml:"max_tool_workers"`
}

// CredentialsConfig configures OAuth linking and token storage. One
// OAuth client serves every Google-backed service; each service asks
// for its own scope set.
type CredentialsConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AuthURL      string `yaml:"auth_url"`
	TokenURL     string `yaml:"token_url"`
	UserInfoURL  string `yaml:"userinfo_url"`

	// EncryptionKey is a base64-encoded 32-byte key used to seal tokens
	// at rest. Empty stores tokens in the clear.
	EncryptionKey string `yaml:"encryption_key"`

	// StateSecret signs the OAuth state parameter.
	StateSecret string        `yaml:"state_secret"`
	StateTTL    time.Duration `yaml:"state_ttl"`

	RefreshMargin time.Duration `yaml:"refresh_margin"`

	// Services maps a service name to the scopes requested when it is
	// linked.
	Services map[string][]string `yaml:"services"`
}

// Key decodes EncryptionKey. A nil key with nil error means sealing is
// disabled.
func (c CredentialsConfig) Key() (*[32]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("credentials.encryption_key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("credentials.encryption_key: want 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// MCPConfig lists the MCP servers used as the secondary tool provider.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig is one streamable-HTTP MCP server.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// WeatherConfig points at the Open-Meteo compatible APIs.
type WeatherConfig struct {
	GeocodeURL  string `yaml:"geocode_url"`
	ForecastURL string `yaml:"forecast_url"`
}

// DirectionsConfig points at a Nominatim geocoder and an OSRM router.
type DirectionsConfig struct {
	GeocodeURL string `yaml:"geocode_url"`
	RouteURL   string `yaml:"route_url"`
	Profile    string `yaml:"profile"`
}

// DriveConfig points at the Drive v3 REST API.
type DriveConfig struct {
	BaseURL string `yaml:"base_url"`
}

// MailConfig describes the Gmail IMAP and SMTP endpoints.
type MailConfig struct {
	IMAPHost string `yaml:"imap_host"`
	IMAPPort int    `yaml:"imap_port"`
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
}

// CalendarConfig describes the CalDAV endpoint.
type CalendarConfig struct {
	BaseURL       string `yaml:"base_url"`
	LookaheadDays int    `yaml:"lookahead_days"`
}

// ContactsConfig describes the CardDAV endpoint.
type ContactsConfig struct {
	BaseURL string `yaml:"base_url"`
}

// SchedulerConfig controls the recurring-task sweeper.
type SchedulerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Sweep   string `yaml:"sweep"`
}

// TracingConfig controls OTLP span export. An empty Endpoint leaves
// the global no-op tracer in place.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing and values are layered over
// Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Listen:  ListenConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Store:   StoreConfig{Driver: "sqlite3", Path: "cortex.db"},
		LLM: LLMConfig{
			DefaultModel: "google-ai-studio/gemini-2.5-flash",
			Timeout:      90 * time.Second,
		},
		Agent: AgentConfig{
			HistoryTurns:   12,
			FollowUpTurns:  5,
			TurnTimeout:    2 * time.Minute,
			MaxToolWorkers: 4,
		},
		Credentials: CredentialsConfig{
			AuthURL:       "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:      "https://oauth2.googleapis.com/token",
			UserInfoURL:   "https://openidconnect.googleapis.com/v1/userinfo",
			StateTTL:      10 * time.Minute,
			RefreshMargin: 60 * time.Second,
			Services:      DefaultServiceScopes(),
		},
		Weather: WeatherConfig{
			GeocodeURL:  "https://geocoding-api.open-meteo.com/v1/search",
			ForecastURL: "https://api.open-meteo.com/v1/forecast",
		},
		Directions: DirectionsConfig{
			GeocodeURL: "https://nominatim.openstreetmap.org/search",
			RouteURL:   "https://router.project-osrm.org/route/v1",
			Profile:    "driving",
		},
		Drive: DriveConfig{BaseURL: "https://www.googleapis.com/drive/v3"},
		Mail: MailConfig{
			IMAPHost: "imap.gmail.com",
			IMAPPort: 993,
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Calendar: CalendarConfig{
			BaseURL:       "https://apidata.googleusercontent.com/caldav/v2/",
			LookaheadDays: 7,
		},
		Contacts:  ContactsConfig{BaseURL: "https://www.googleapis.com/carddav/v1/principals/"},
		Scheduler: SchedulerConfig{Enabled: true, Sweep: "@every 1m"},
		Tracing:   TracingConfig{ServiceName: "cortex", SampleRatio: 1},
	}
	return cfg
}

// DefaultServiceScopes returns the scopes requested per linkable
// service. Every set includes userinfo.email so the account can be
// identified after the exchange.
func DefaultServiceScopes() map[string][]string {
	const email = "https://www.googleapis.com/auth/userinfo.email"
	return map[string][]string{
		"gmail":    {"https://mail.google.com/", email},
		"calendar": {"https://www.googleapis.com/auth/calendar.readonly", email},
		"drive":    {"https://www.googleapis.com/auth/drive.readonly", email},
		"contacts": {"https://www.googleapis.com/auth/carddav", email},
	}
}

// applyDefaults fills zero values that YAML may have cleared, such as
// an empty services map.
func (c *Config) applyDefaults() {
	if len(c.Credentials.Services) == 0 {
		c.Credentials.Services = DefaultServiceScopes()
	}
	if c.Agent.HistoryTurns <= 0 {
		c.Agent.HistoryTurns = 12
	}
	if c.Agent.FollowUpTurns <= 0 {
		c.Agent.FollowUpTurns = 5
	}
	if c.Agent.MaxToolWorkers <= 0 {
		c.Agent.MaxToolWorkers = 4
	}
}

// Validate reports configuration errors that would otherwise surface
// as confusing runtime failures.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q (valid: text, json)", c.Logging.Format))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	switch c.Store.Driver {
	case "sqlite3", "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite drivers"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q (valid: sqlite3, sqlite, postgres)", c.Store.Driver))
	}
	if c.Agent.TurnTimeout <= 0 {
		errs = append(errs, errors.New("agent.turn_timeout must be positive"))
	}
	if _, err := c.Credentials.Key(); err != nil {
		errs = append(errs, err)
	}
	if c.Credentials.RefreshMargin < 0 {
		errs = append(errs, errors.New("credentials.refresh_margin must not be negative"))
	}
	for i, s := range c.MCP.Servers {
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d] (%s): url is required", i, s.Name))
		}
	}

	return errors.Join(errs...)
}
