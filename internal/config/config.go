package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	ProviderOpenAI = "openai"
	ProviderCompat = "compat"
	ProviderGemini = "gemini"
	ProviderNoop   = "noop"
)

type RuntimeConfig struct {
	Dev bool
}

type HTTPConfig struct {
	Port            int           `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres | sqlite
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"` // empty disables caching and distributed rate limiting
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type AIConfig struct {
	Provider        string            `yaml:"provider"` // openai | compat | gemini | noop
	OpenAIKey       string            `yaml:"openai_key"`
	OpenAIBaseURL   string            `yaml:"openai_base_url"`
	CompatKey       string            `yaml:"compat_key"`
	CompatBaseURL   string            `yaml:"compat_base_url"`
	GeminiKey       string            `yaml:"gemini_key"`
	GeminiURL       string            `yaml:"gemini_url"`
	DefaultModel    string            `yaml:"default_model"`
	TokenizerModel  string            `yaml:"tokenizer_model"`
	ConcurrentLimit int               `yaml:"concurrent_limit"` // max concurrent completion calls
	Timeout         time.Duration     `yaml:"timeout"`
	ModelProviders  map[string]string `yaml:"model_providers"` // model -> provider
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"` // empty leaves the API open
}

type RateLimitConfig struct {
	QueriesPerMinute int `yaml:"queries_per_minute"` // 0 disables
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // optional; encrypts message content at rest
}

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	AI        AIConfig        `yaml:"ai"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Security  SecurityConfig  `yaml:"security"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path (optional when it does not exist),
// applies environment overrides and defaults, then validates.
func LoadConfig(path string, dev bool) (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// env-only configuration
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.Runtime.Dev = dev

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("DATABASE_URL", &c.Database.URL)
	str("DATABASE_DRIVER", &c.Database.Driver)
	str("REDIS_URL", &c.Redis.URL)
	str("OPENAI_API_KEY", &c.AI.OpenAIKey)
	str("GEMINI_API_KEY", &c.AI.GeminiKey)
	str("COMPAT_API_KEY", &c.AI.CompatKey)
	str("AI_PROVIDER", &c.AI.Provider)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("ENCRYPTION_KEY", &c.Security.EncryptionKey)
	if v, ok := lookup("HTTP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_PORT: %w", err)
		}
		c.HTTP.Port = port
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8000
	}
	if c.HTTP.RequestTimeout <= 0 {
		c.HTTP.RequestTimeout = 60 * time.Second
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	c.Redis.TTL = normalizeTTL(c.Redis.TTL)

	c.AI.Provider = strings.ToLower(strings.TrimSpace(c.AI.Provider))
	if c.AI.Provider == "" {
		c.AI.Provider = c.inferProvider()
	}
	if c.AI.DefaultModel == "" {
		c.AI.DefaultModel = "gpt-3.5-turbo-0125"
	}
	if c.AI.TokenizerModel == "" {
		c.AI.TokenizerModel = "gpt-3.5-turbo"
	}
	if c.AI.ConcurrentLimit <= 0 {
		c.AI.ConcurrentLimit = 16
	}
	if c.AI.Timeout <= 0 {
		c.AI.Timeout = 45 * time.Second
	}
}

// inferProvider picks the first provider that has a key configured.
func (c *Config) inferProvider() string {
	switch {
	case c.AI.OpenAIKey != "":
		return ProviderOpenAI
	case c.AI.CompatKey != "" || c.AI.CompatBaseURL != "":
		return ProviderCompat
	case c.AI.GeminiKey != "":
		return ProviderGemini
	}
	return ""
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d is out of range", c.HTTP.Port)
	}

	switch c.AI.Provider {
	case ProviderOpenAI:
		if c.AI.OpenAIKey == "" {
			return errors.New("ai.openai_key is required for provider openai")
		}
	case ProviderCompat:
		if c.AI.CompatBaseURL == "" {
			return errors.New("ai.compat_base_url is required for provider compat")
		}
	case ProviderGemini:
		if c.AI.GeminiKey == "" {
			return errors.New("ai.gemini_key is required for provider gemini")
		}
	case ProviderNoop:
		if !c.Runtime.Dev {
			return errors.New("ai.provider noop is only allowed in dev mode")
		}
	case "":
		return errors.New("no AI provider configured: set ai.openai_key, ai.compat_base_url or ai.gemini_key")
	default:
		return fmt.Errorf("ai.provider %q is not supported", c.AI.Provider)
	}

	if k := len(c.Security.EncryptionKey); k != 0 && k != 16 && k != 24 && k != 32 {
		return fmt.Errorf("security.encryption_key must be 16, 24 or 32 bytes; got %d", k)
	}
	if c.RateLimit.QueriesPerMinute < 0 {
		return errors.New("ratelimit.queries_per_minute must not be negative")
	}
	return nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
