// Package config loads the jsonrpcd configuration from a YAML file, an
// optional .env file and RPCSITE_* environment variables, in that order of
// increasing precedence.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mnehpets/rpcsite/middleware"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RPCSITE_"

// Config is the daemon configuration.
type Config struct {
	Listen          string        `yaml:"listen"`
	Path            string        `yaml:"path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Name and ServiceURL appear in system.describe.
	Name       string `yaml:"name"`
	ServiceURL string `yaml:"service_url"`
	Describe   bool   `yaml:"describe"`

	MaxBatch    int `yaml:"max_batch"`
	Concurrency int `yaml:"concurrency"`

	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Bearer    BearerConfig    `yaml:"bearer"`

	// Users maps local usernames to bcrypt hashes for session.login.
	Users map[string]string `yaml:"users"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SessionConfig enables cookie sessions when Keys is non-empty. Keys maps
// key ids to base64 encoded 32 byte keys; KeyID selects the sealing key.
type SessionConfig struct {
	KeyID      string            `yaml:"key_id"`
	Keys       map[string]string `yaml:"keys"`
	CookieName string            `yaml:"cookie_name"`
	MaxAge     time.Duration     `yaml:"max_age"`
	Insecure   bool              `yaml:"insecure"`
}

// RateLimitConfig enables per-client rate limiting when PerSecond > 0.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// BearerConfig lists the OIDC providers whose tokens are accepted.
type BearerConfig struct {
	Required  bool             `yaml:"required"`
	Providers []ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	ID              string `yaml:"id"`
	Issuer          string `yaml:"issuer"`
	ClientID        string `yaml:"client_id"`
	SkipIssuerCheck bool   `yaml:"skip_issuer_check"`
}

// Default returns the configuration used for anything a file leaves unset.
func Default() *Config {
	return &Config{
		Listen:          ":8080",
		Path:            "/json/",
		ShutdownTimeout: 10 * time.Second,
		Name:            "jsonrpc",
		Describe:        true,
		MaxBatch:        100,
		Log:             LogConfig{Level: "info", Format: "json"},
		Metrics:         MetricsConfig{Enabled: true, Path: "/metrics"},
		Session:         SessionConfig{CookieName: middleware.DefaultCookieName, MaxAge: middleware.DefaultSessionPeriod},
	}
}

// Load reads the configuration. A missing .env file is ignored, and an empty
// path skips the YAML file. Values already set in the environment win over
// .env entries.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from RPCSITE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LISTEN":         &c.Listen,
		"PATH":           &c.Path,
		"NAME":           &c.Name,
		"SERVICE_URL":    &c.ServiceURL,
		"LOG_LEVEL":      &c.Log.Level,
		"LOG_FORMAT":     &c.Log.Format,
		"METRICS_PATH":   &c.Metrics.Path,
		"SESSION_KEY_ID": &c.Session.KeyID,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MAX_BATCH":   &c.MaxBatch,
		"CONCURRENCY": &c.Concurrency,
		"RATE_BURST":  &c.RateLimit.Burst,
	}
	for name, dst := range ints {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"DESCRIBE":         &c.Describe,
		"METRICS":          &c.Metrics.Enabled,
		"SESSION_INSECURE": &c.Session.Insecure,
		"BEARER_REQUIRED":  &c.Bearer.Required,
	}
	for name, dst := range bools {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
	}

	if v, ok := lookup(EnvPrefix + "RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %sRATE_LIMIT: %w", EnvPrefix, err)
		}
		c.RateLimit.PerSecond = f
	}
	if v, ok := lookup(EnvPrefix + "SHUTDOWN_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %sSHUTDOWN_TIMEOUT: %w", EnvPrefix, err)
		}
		c.ShutdownTimeout = d
	}
	// RPCSITE_SESSION_KEY adds a key under the configured id, or "env".
	if v, ok := lookup(EnvPrefix + "SESSION_KEY"); ok && v != "" {
		if c.Session.KeyID == "" {
			c.Session.KeyID = "env"
		}
		if c.Session.Keys == nil {
			c.Session.Keys = make(map[string]string)
		}
		c.Session.Keys[c.Session.KeyID] = v
	}
	if v, ok := lookup(EnvPrefix + "CORS_ORIGINS"); ok {
		c.CORS.AllowedOrigins = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// SessionKeys decodes the session keys. It returns nil when sessions are
// disabled.
func (c *Config) SessionKeys() (map[string][]byte, error) {
	if len(c.Session.Keys) == 0 {
		return nil, nil
	}
	keys := make(map[string][]byte, len(c.Session.Keys))
	for id, enc := range c.Session.Keys {
		k, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("config: session key %q: %w", id, err)
		}
		if len(k) != middleware.KeySize {
			return nil, fmt.Errorf("config: session key %q: got %d bytes, want %d", id, len(k), middleware.KeySize)
		}
		keys[id] = k
	}
	return keys, nil
}

// Validate reports every inconsistency in c.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with /", c.Path))
	}
	if c.MaxBatch < 0 || c.Concurrency < 0 {
		errs = append(errs, errors.New("max_batch and concurrency must not be negative"))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown_timeout must not be negative"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log format %q: want json or console", c.Log.Format))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics path %q must start with /", c.Metrics.Path))
	}
	if c.RateLimit.PerSecond < 0 {
		errs = append(errs, errors.New("rate_limit.per_second must not be negative"))
	}
	if keys, err := c.SessionKeys(); err != nil {
		errs = append(errs, err)
	} else if keys != nil {
		if _, ok := keys[c.Session.KeyID]; !ok {
			errs = append(errs, fmt.Errorf("session key_id %q has no key", c.Session.KeyID))
		}
	}
	if len(c.Users) > 0 && len(c.Session.Keys) == 0 {
		errs = append(errs, errors.New("users need session keys"))
	}
	seen := make(map[string]bool)
	for i, p := range c.Bearer.Providers {
		if p.ID == "" || p.Issuer == "" || p.ClientID == "" {
			errs = append(errs, fmt.Errorf("bearer provider %d: id, issuer and client_id are required", i))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("bearer provider %q defined twice", p.ID))
		}
		seen[p.ID] = true
	}
	if c.Bearer.Required && len(c.Bearer.Providers) == 0 {
		errs = append(errs, errors.New("bearer.required without providers"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
