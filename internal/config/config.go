// Package config loads outreachdesk settings from an optional YAML file and
// OUTREACHDESK_* environment variables.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
	"github.com/agentworkforce/outreachdesk/internal/logging"
	"github.com/agentworkforce/outreachdesk/internal/outreach"
)

const envPrefix = "OUTREACHDESK_"

// Duration reads YAML durations written as strings ("400ms", "1m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	// Addr is the HTTP listen address of the daemon.
	Addr string `yaml:"addr"`
	// Profile picks storage defaults: memory, durable-local, production or
	// custom.
	Profile string       `yaml:"profile"`
	DataDir string       `yaml:"data_dir"`
	Store   StoreConfig  `yaml:"store"`
	Outbox  OutboxConfig `yaml:"outbox"`
	Sync    SyncConfig   `yaml:"sync"`
	// Tables overrides per-table settings. Tables not listed are enabled with
	// their default refresh interval.
	Tables map[string]TableConfig `yaml:"tables"`
	Mirror MirrorConfig           `yaml:"mirror"`
	Auth   AuthConfig             `yaml:"auth"`
	Log    LogConfig              `yaml:"log"`
}

type StoreConfig struct {
	DSN         string `yaml:"dsn"`
	APIKey      string `yaml:"api_key"`
	BearerToken string `yaml:"bearer_token"`
	// Seed fills a memory store with sample rows.
	Seed bool `yaml:"seed"`
}

type OutboxConfig struct {
	DSN string `yaml:"dsn"`
}

type SyncConfig struct {
	DebounceDelay   Duration    `yaml:"debounce_delay"`
	WriteTimeout    Duration    `yaml:"write_timeout"`
	RefreshTimeout  Duration    `yaml:"refresh_timeout"`
	RefreshJitter   float64     `yaml:"refresh_jitter"`
	DetectConflicts bool        `yaml:"detect_conflicts"`
	Retry           RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

type TableConfig struct {
	Enabled         *bool    `yaml:"enabled"`
	RefreshInterval Duration `yaml:"refresh_interval"`
}

type MirrorConfig struct {
	Dir string `yaml:"dir"`
}

type AuthConfig struct {
	JWTSecret       string   `yaml:"jwt_secret"`
	RateLimitMax    int      `yaml:"rate_limit_max"`
	RateLimitWindow Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TableSettings is the resolved configuration of one enabled table.
type TableSettings struct {
	Name            string
	RefreshInterval time.Duration
}

func Default() Config {
	return Config{
		Addr:    ":8080",
		Profile: "custom",
		DataDir: ".outreachdesk",
		Sync: SyncConfig{
			DebounceDelay:   Duration(draftsync.DefaultDebounceDelay),
			WriteTimeout:    Duration(draftsync.DefaultWriteTimeout),
			RefreshTimeout:  Duration(draftsync.DefaultRefreshTimeout),
			RefreshJitter:   0.1,
			DetectConflicts: true,
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   Duration(200 * time.Millisecond),
				MaxDelay:    Duration(10 * time.Second),
			},
		},
		Tables: map[string]TableConfig{},
		Auth: AuthConfig{
			RateLimitMax:    0,
			RateLimitWindow: Duration(time.Minute),
			MaxBodyBytes:    1 << 20,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// path is not empty, then environment overrides, then profile defaults for
// anything still unset. The result is validated.
func Load(path string, logger logging.Logger) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv(envReader{logger: logging.OrNop(logger)})
	if err := cfg.applyProfile(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if c.Tables == nil {
		c.Tables = map[string]TableConfig{}
	}
	return nil
}

func (c *Config) applyEnv(env envReader) {
	c.Addr = env.str("ADDR", c.Addr)
	c.Profile = env.str("PROFILE", c.Profile)
	c.DataDir = env.str("DATA_DIR", c.DataDir)
	c.Store.DSN = env.str("STORE_DSN", c.Store.DSN)
	c.Store.APIKey = env.str("STORE_API_KEY", c.Store.APIKey)
	c.Store.BearerToken = env.str("STORE_BEARER_TOKEN", c.Store.BearerToken)
	c.Store.Seed = env.boolean("STORE_SEED", c.Store.Seed)
	c.Outbox.DSN = env.str("OUTBOX_DSN", c.Outbox.DSN)
	c.Sync.DebounceDelay = Duration(env.duration("DEBOUNCE_DELAY", c.Sync.DebounceDelay.Std()))
	c.Sync.WriteTimeout = Duration(env.duration("WRITE_TIMEOUT", c.Sync.WriteTimeout.Std()))
	c.Sync.RefreshTimeout = Duration(env.duration("REFRESH_TIMEOUT", c.Sync.RefreshTimeout.Std()))
	c.Sync.RefreshJitter = env.float("REFRESH_JITTER", c.Sync.RefreshJitter)
	c.Sync.DetectConflicts = env.boolean("DETECT_CONFLICTS", c.Sync.DetectConflicts)
	c.Sync.Retry.MaxAttempts = env.integer("RETRY_MAX_ATTEMPTS", c.Sync.Retry.MaxAttempts)
	c.Sync.Retry.BaseDelay = Duration(env.duration("RETRY_BASE_DELAY", c.Sync.Retry.BaseDelay.Std()))
	c.Sync.Retry.MaxDelay = Duration(env.duration("RETRY_MAX_DELAY", c.Sync.Retry.MaxDelay.Std()))
	c.Mirror.Dir = env.str("MIRROR_DIR", c.Mirror.Dir)
	c.Auth.JWTSecret = env.str("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.RateLimitMax = env.integer("RATE_LIMIT_MAX", c.Auth.RateLimitMax)
	c.Auth.RateLimitWindow = Duration(env.duration("RATE_LIMIT_WINDOW", c.Auth.RateLimitWindow.Std()))
	c.Auth.MaxBodyBytes = env.int64("MAX_BODY_BYTES", c.Auth.MaxBodyBytes)
	c.Log.Level = env.str("LOG_LEVEL", c.Log.Level)
	c.Log.Format = env.str("LOG_FORMAT", c.Log.Format)

	if raw := env.str("TABLES", ""); raw != "" {
		enabled := map[string]bool{}
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				enabled[name] = true
			}
		}
		for _, name := range outreach.TableNames() {
			tc := c.Tables[name]
			on := enabled[name]
			tc.Enabled = &on
			c.Tables[name] = tc
			delete(enabled, name)
		}
		for name := range enabled {
			on := true
			c.Tables[name] = TableConfig{Enabled: &on}
		}
	}
}

// applyProfile fills store and outbox DSNs the profile implies when they were
// not set explicitly.
func (c *Config) applyProfile() error {
	profile := strings.ToLower(strings.TrimSpace(c.Profile))
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".outreachdesk"
	}
	switch profile {
	case "", "custom":
		return nil
	case "memory", "inmemory", "dev":
		if c.Store.DSN == "" {
			c.Store.DSN = "memory://"
			c.Store.Seed = true
		}
		if c.Outbox.DSN == "" {
			c.Outbox.DSN = "memory://"
		}
		return nil
	case "durable-local", "local-durable":
		if c.Outbox.DSN == "" {
			c.Outbox.DSN = "file://" + filepath.Join(dataDir, "outbox.json")
		}
		if c.Mirror.Dir == "" {
			c.Mirror.Dir = filepath.Join(dataDir, "mirror")
		}
		return nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv(envPrefix + "PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv(envPrefix + "POSTGRES_DSN"))
		}
		if c.Store.DSN == "" {
			c.Store.DSN = productionDSN
		}
		if c.Outbox.DSN == "" {
			c.Outbox.DSN = productionDSN
		}
		if c.Store.DSN == "" {
			return fmt.Errorf("%sPRODUCTION_DSN or %sPOSTGRES_DSN is required when profile=%s", envPrefix, envPrefix, profile)
		}
		return nil
	default:
		return fmt.Errorf("unsupported profile: %s", profile)
	}
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Store.DSN) == "" {
		problems = append(problems, "store dsn is required")
	}
	for name := range c.Tables {
		if _, ok := outreach.TableByName(name); !ok {
			problems = append(problems, fmt.Sprintf("unknown table %q", name))
		}
	}
	if len(c.EnabledTables()) == 0 {
		problems = append(problems, "at least one table must be enabled")
	}
	if c.Sync.DebounceDelay.Std() <= 0 {
		problems = append(problems, "sync.debounce_delay must be positive")
	}
	if c.Sync.RefreshJitter < 0 || c.Sync.RefreshJitter > 1 {
		problems = append(problems, "sync.refresh_jitter must be between 0 and 1")
	}
	if c.Sync.Retry.MaxAttempts < 1 {
		problems = append(problems, "sync.retry.max_attempts must be at least 1")
	}
	if c.Auth.RateLimitMax < 0 {
		problems = append(problems, "auth.rate_limit_max must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", draftsync.ErrInvalidInput, strings.Join(problems, "; "))
}

// EnabledTables lists the tables to sync, sorted by name, with their refresh
// intervals resolved.
func (c Config) EnabledTables() []TableSettings {
	var out []TableSettings
	for _, name := range outreach.TableNames() {
		tc := c.Tables[name]
		if tc.Enabled != nil && !*tc.Enabled {
			continue
		}
		interval := tc.RefreshInterval.Std()
		if interval <= 0 {
			interval = outreach.DefaultRefreshInterval(name)
		}
		out = append(out, TableSettings{Name: name, RefreshInterval: interval})
	}
	return out
}

func (c Config) RetryPolicy() draftsync.RetryPolicy {
	return draftsync.RetryPolicy{
		MaxAttempts: c.Sync.Retry.MaxAttempts,
		BaseDelay:   c.Sync.Retry.BaseDelay.Std(),
		MaxDelay:    c.Sync.Retry.MaxDelay.Std(),
	}
}

// envReader reads OUTREACHDESK_* overrides. Invalid values are logged and the
// fallback kept.
type envReader struct {
	logger logging.Logger
}

func (e envReader) raw(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func (e envReader) invalid(name, raw string, fallback any) {
	e.logger.Warn(context.Background(), "invalid environment override, using fallback", "name", envPrefix+name, "value", raw, "fallback", fmt.Sprint(fallback))
}

func (e envReader) str(name, fallback string) string {
	if raw := e.raw(name); raw != "" {
		return raw
	}
	return fallback
}

func (e envReader) integer(name string, fallback int) int {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) int64(name string, fallback int64) int64 {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) float(name string, fallback float64) float64 {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) duration(name string, fallback time.Duration) time.Duration {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.invalid(name, raw, fallback.String())
		return fallback
	}
	return value
}

func (e envReader) boolean(name string, fallback bool) bool {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}
