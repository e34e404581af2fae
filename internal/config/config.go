package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/notify"
)

// Config holds the top-level application configuration.
type Config struct {
	GitHub    GitHubConfig       `yaml:"github"`
	Engine    EngineConfig       `yaml:"engine"`
	Store     StoreConfig        `yaml:"store"`
	Server    ServerConfig       `yaml:"server"`
	Notify    []notify.Target    `yaml:"notify"`
	Schedules []achieve.Schedule `yaml:"schedules"`
	Telemetry TelemetryConfig    `yaml:"telemetry"`
	Log       LogConfig          `yaml:"log"`
}

// GitHubConfig holds account and repository settings.
type GitHubConfig struct {
	Token              string        `yaml:"token"`
	Username           string        `yaml:"username"`
	Repo               string        `yaml:"repo"` // owner/name
	BaseURL            string        `yaml:"base_url"`
	GraphQLURL         string        `yaml:"graphql_url"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	HelperToken        string        `yaml:"helper_token"` // second account for Galaxy Brain
	CoAuthorName       string        `yaml:"co_author_name"`
	CoAuthorEmail      string        `yaml:"co_author_email"`
	Reviewers          []string      `yaml:"reviewers"`
	DiscussionCategory string        `yaml:"discussion_category"`
}

// EngineConfig holds execution settings shared by every run.
type EngineConfig struct {
	Concurrency int                     `yaml:"concurrency"`
	Delay       time.Duration           `yaml:"delay"` // pause after each operation
	RateLimit   achieve.RateLimitConfig `yaml:"rate_limit"`
	Retry       achieve.RetryPolicy     `yaml:"retry"`
	RunTTL      time.Duration           `yaml:"run_ttl"` // how long finished run events stay streamable
}

// StoreConfig selects the progress backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory | file | sqlite | postgres
	Dir    string `yaml:"dir"`    // file backend directory
	DSN    string `yaml:"dsn"`    // sqlite path or postgres URL
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	JWTSecret   string   `yaml:"jwt_secret"` // empty disables auth
	CORSOrigins []string `yaml:"cors_origins"`
}

// TelemetryConfig holds OTLP trace export settings.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// defaults returns a Config populated with sensible default values.
func defaults() *Config {
	return &Config{
		GitHub: GitHubConfig{
			BaseURL:            "https://api.github.com",
			GraphQLURL:         "https://api.github.com/graphql",
			RequestTimeout:     30 * time.Second,
			DiscussionCategory: "Q&A",
		},
		Engine: EngineConfig{
			Concurrency: 1,
			Delay:       time.Second,
			RateLimit:   achieve.DefaultRateLimitConfig(),
			Retry:       achieve.DefaultRetryPolicy(),
			RunTTL:      10 * time.Minute,
		},
		Store: StoreConfig{
			Driver: "file",
			Dir:    ".ghachieve",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4318",
			ServiceName: "ghachieve",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML configuration file at path and returns a Config.
// Environment overrides are applied afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadDefault loads ".env" (if present) into the environment, then tries
// "config.yaml" from the current directory. A missing config file yields
// defaults plus environment overrides. Any other error is returned.
func LoadDefault() (*Config, error) {
	if err := LoadEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := Load("config.yaml")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = defaults()
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// LoadEnv reads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.GitHub.Token, "GITHUB_TOKEN")
	setFromEnv(&c.GitHub.Username, "GITHUB_USERNAME")
	setFromEnv(&c.GitHub.Repo, "GITHUB_REPO")
	setFromEnv(&c.GitHub.HelperToken, "GITHUB_HELPER_TOKEN")
	setFromEnv(&c.Server.JWTSecret, "GHACHIEVE_JWT_SECRET")
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		c.Store.DSN = v
		if c.Store.Driver == "" || c.Store.Driver == "file" || c.Store.Driver == "memory" {
			c.Store.Driver = "postgres"
		}
	}
}

func setFromEnv(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Validate reports the first configuration problem, if any. Credentials are
// checked by ValidateGitHub since read-only commands do not need them.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "file":
		if c.Store.Dir == "" {
			return configError("store.dir is required for the file driver")
		}
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return configError("store.dsn is required for the " + c.Store.Driver + " driver")
		}
	default:
		return configError(fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Engine.Concurrency < 1 {
		return configError("engine.concurrency must be at least 1")
	}
	if c.Engine.Delay < 0 {
		return configError("engine.delay must not be negative")
	}
	if c.Engine.RateLimit.MaxConcurrent < 1 || c.Engine.RateLimit.MaxPerMinute < 1 {
		return configError("engine.rate_limit limits must be positive")
	}
	if c.Engine.Retry.MaxRetries < 0 {
		return configError("engine.retry.max_retries must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return configError(fmt.Sprintf("unknown log.level %q", c.Log.Level))
	}
	for i, t := range c.Notify {
		if t.Channel == "" {
			return configError(fmt.Sprintf("notify[%d].channel is required", i))
		}
	}
	for _, s := range c.Schedules {
		if s.Cron == "" {
			return configError(fmt.Sprintf("schedule %q has no cron expression", s.Name))
		}
		if _, err := achieve.Lookup(s.Kind); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGitHub checks the settings needed to execute achievements.
func (c *Config) ValidateGitHub(kind achieve.Kind) error {
	if c.GitHub.Token == "" {
		return achieve.NewError(achieve.ErrAuthentication, "config", "github.token (or GITHUB_TOKEN) is required")
	}
	owner, name, ok := strings.Cut(c.GitHub.Repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return configError(fmt.Sprintf("github.repo must be owner/name, got %q", c.GitHub.Repo))
	}
	switch kind {
	case achieve.KindPairExtraordinaire:
		if c.GitHub.CoAuthorName == "" || c.GitHub.CoAuthorEmail == "" {
			return configError("github.co_author_name and github.co_author_email are required for " + string(kind))
		}
	case achieve.KindGalaxyBrain:
		if c.GitHub.HelperToken == "" {
			return configError("github.helper_token is required for " + string(kind))
		}
	}
	return nil
}

func configError(msg string) error {
	return achieve.NewError(achieve.ErrConfiguration, "config", msg)
}
