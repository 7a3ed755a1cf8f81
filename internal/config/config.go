// Package config loads the episode browser configuration.
//
// Values are resolved in three layers: built-in defaults, then an optional
// YAML file, then environment variables. Later layers win.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/episode-browser/pkg/logging"
)

// EnvConfigFile names the environment variable holding the YAML file path.
const EnvConfigFile = "EPISODES_CONFIG"

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the full application configuration.
type Config struct {
	Port            string        `yaml:"port"`
	RedisURL        string        `yaml:"redis_url"`
	GraphQLEndpoint string        `yaml:"graphql_endpoint"`
	UserAgent       string        `yaml:"user_agent"`
	Log             LogConfig     `yaml:"log"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	MaxSessions     int           `yaml:"max_sessions"`
	MaxRetries      int           `yaml:"max_retries"`
	ReportURL       string        `yaml:"report_url"`
	FaultDemo       bool          `yaml:"fault_demo"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:            "8080",
		GraphQLEndpoint: "https://rickandmortyapi.com/graphql",
		UserAgent:       "episode-browser/0.1.0",
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
		CacheTTL:       5 * time.Minute,
		FetchTimeout:   15 * time.Second,
		SessionTTL:     30 * time.Minute,
		MaxSessions:    10000,
		MaxRetries:     3,
		FaultDemo:      true,
		AllowedOrigins: []string{"*"},
	}
}

// Load resolves the configuration. path may be empty, in which case
// EPISODES_CONFIG is consulted; no file at all is fine.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	// fields absent from the file keep their defaults
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.GraphQLEndpoint = getEnv("GRAPHQL_ENDPOINT", c.GraphQLEndpoint)
	c.UserAgent = getEnv("USER_AGENT", c.UserAgent)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.ReportURL = getEnv("REPORT_URL", c.ReportURL)

	if v := getEnv("CORS_ORIGINS", ""); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.AllowedOrigins = origins
	}

	var err error
	if c.Log.Pretty, err = getEnvBool("LOG_PRETTY", c.Log.Pretty); err != nil {
		return err
	}
	if c.FaultDemo, err = getEnvBool("FAULT_DEMO", c.FaultDemo); err != nil {
		return err
	}
	if c.CacheTTL, err = getEnvDuration("CACHE_TTL", c.CacheTTL); err != nil {
		return err
	}
	if c.FetchTimeout, err = getEnvDuration("FETCH_TIMEOUT", c.FetchTimeout); err != nil {
		return err
	}
	if c.SessionTTL, err = getEnvDuration("SESSION_TTL", c.SessionTTL); err != nil {
		return err
	}
	if c.RequestTimeout, err = getEnvDuration("REQUEST_TIMEOUT", c.RequestTimeout); err != nil {
		return err
	}
	if v := getEnv("MAX_SESSIONS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_SESSIONS: %w", err)
		}
		c.MaxSessions = n
	}
	if v := getEnv("MAX_RETRIES", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_RETRIES: %w", err)
		}
		c.MaxRetries = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.UserAgent) == "" {
		return errors.New("user_agent is required")
	}
	if c.Port == "" {
		return errors.New("port is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("port must be numeric (got %q)", c.Port)
	}
	u, err := url.Parse(c.GraphQLEndpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("graphql_endpoint must be an http(s) URL (got %q)", c.GraphQLEndpoint)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout must be positive (got %s)", c.FetchTimeout)
	}
	if c.RequestTimeout < 0 || c.RequestTimeout > c.FetchTimeout {
		return fmt.Errorf("request_timeout must be between 0 and fetch_timeout (got %s)", c.RequestTimeout)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive (got %s)", c.CacheTTL)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive (got %s)", c.SessionTTL)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be >= 1 (got %d)", c.MaxSessions)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1 (got %d)", c.MaxRetries)
	}
	if !logging.Valid(c.Log.Level) {
		return fmt.Errorf("log level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if c.ReportURL != "" {
		if u, err := url.Parse(c.ReportURL); err != nil || !u.IsAbs() {
			return fmt.Errorf("report_url must be an absolute URL (got %q)", c.ReportURL)
		}
	}
	return nil
}

// AttemptTimeout bounds a single upstream HTTP attempt. Unless set
// explicitly it splits FetchTimeout evenly across the retry attempts.
func (c Config) AttemptTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return c.FetchTimeout / time.Duration(max(c.MaxRetries, 1))
}

// Addr is the listen address.
func (c Config) Addr() string {
	return ":" + c.Port
}

// RedisOptions returns the connection options, or nil when Redis is not
// configured. Both redis:// URLs and bare host:port are accepted.
func (c Config) RedisOptions() (*redis.Options, error) {
	if c.RedisURL == "" {
		return nil, nil
	}
	if strings.Contains(c.RedisURL, "://") {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: c.RedisURL}, nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	v := getEnv(key, "")
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
