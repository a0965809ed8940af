package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Auth modes for the HTTP API.
const (
	AuthNone   = "none"
	AuthAPIKey = "api-key"
	AuthJWT    = "jwt"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Model endpoint (Vertex AI). Without GCP_PROJECT_ID both the model and
	// the document store run degraded.
	GCPProjectID      string        `envconfig:"GCP_PROJECT_ID"`
	GCPRegion         string        `envconfig:"GCP_REGION" default:"us-central1"`
	ClaudeModel       string        `envconfig:"CLAUDE_MODEL" default:"claude-3-5-sonnet@20240620"`
	VertexAccessToken string        `envconfig:"VERTEX_ACCESS_TOKEN"`
	VertexEndpoint    string        `envconfig:"VERTEX_ENDPOINT"` // base URL override, e.g. a local proxy
	ModelTimeout      time.Duration `envconfig:"MODEL_TIMEOUT" default:"120s"`

	// Document store
	DatabasePath   string        `envconfig:"DATABASE_PATH" default:"valhalla.db"`
	CacheTTL       time.Duration `envconfig:"CACHE_TTL" default:"300s"`
	CacheSize      int           `envconfig:"CACHE_SIZE" default:"256"`
	DefaultProject string        `envconfig:"DEFAULT_PROJECT" default:"HAVEN Platform"`

	// Retention ages; zero keeps documents forever.
	HistoryRetention   time.Duration `envconfig:"HISTORY_RETENTION" default:"720h"`
	ExecutionRetention time.Duration `envconfig:"EXECUTION_RETENTION" default:"0"`
	RetentionInterval  time.Duration `envconfig:"RETENTION_INTERVAL" default:"1h"`

	// HTTP API
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080"`
	AuthMode       string        `envconfig:"AUTH_MODE" default:"none"`
	APIKey         string        `envconfig:"API_KEY"`
	JWTSecret      string        `envconfig:"JWT_SECRET"`
	SessionTTL     time.Duration `envconfig:"SESSION_TTL" default:"12h"`
	MaxSessions    int           `envconfig:"MAX_SESSIONS" default:"1000"`
	RateLimitRPS   float64       `envconfig:"RATE_LIMIT_RPS" default:"10"`
	RateLimitBurst int           `envconfig:"RATE_LIMIT_BURST" default:"20"`
	CORSOrigins    string        `envconfig:"CORS_ORIGINS"`
}

// ProjectConfigured returns true if a GCP project is set.
func (c *Config) ProjectConfigured() bool {
	return c.GCPProjectID != ""
}

// Endpoint returns the VERTEX_ENDPOINT override, or "" to use the provider's
// regional default.
func (c *Config) Endpoint() string {
	return strings.TrimRight(c.VertexEndpoint, "/")
}

// Validate checks that the auth mode has the secret it needs.
func (c *Config) Validate() error {
	switch c.AuthMode {
	case AuthNone:
	case AuthAPIKey:
		if c.APIKey == "" {
			return fmt.Errorf("AUTH_MODE=%s requires API_KEY", c.AuthMode)
		}
	case AuthJWT:
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("AUTH_MODE=%s requires JWT_SECRET of at least 32 bytes", c.AuthMode)
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("CACHE_SIZE must be positive, got %d", c.CacheSize)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("MAX_SESSIONS must be positive, got %d", c.MaxSessions)
	}
	return nil
}

// CORSOriginList returns the parsed list of allowed CORS origins.
func (c *Config) CORSOriginList() []string {
	if c.CORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, o := range parts {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
