package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"coursecal/internal/model"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Every field can be overridden by a COURSECAL_* env var.

// Config is the top-level application configuration.
type Config struct {
	Log      LogConfig      `yaml:"log" json:"log"`
	Calendar CalendarConfig `yaml:"calendar" json:"calendar"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Sync     SyncConfig     `yaml:"sync" json:"sync"`
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`
	Server   ServerConfig   `yaml:"server" json:"server"`

	// CoursesFile is the YAML file holding finalized courses.
	CoursesFile string `yaml:"courses_file" json:"courses_file" env:"COURSECAL_COURSES_FILE" env-default:"courses.yaml"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"COURSECAL_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" json:"format" env:"COURSECAL_LOG_FORMAT" env-default:"text"`
}

// CalendarConfig describes the remote calendar being kept in sync.
type CalendarConfig struct {
	// Provider is "google" (REST API) or "memory" (in-process, for trials).
	Provider   string `yaml:"provider" json:"provider" env:"COURSECAL_CALENDAR_PROVIDER" env-default:"google"`
	CalendarID string `yaml:"calendar_id" json:"calendar_id" env:"COURSECAL_CALENDAR_ID" env-default:"primary"`
	// BaseURL overrides the provider API endpoint (tests, proxies).
	BaseURL string `yaml:"base_url" json:"base_url" env:"COURSECAL_CALENDAR_BASE_URL"`
	// TokenFile holds an OAuth2 token JSON maintained by the credential
	// collaborator. It is re-read on every request.
	TokenFile string `yaml:"token_file" json:"token_file" env:"COURSECAL_CALENDAR_TOKEN_FILE" env-default:"token.json"`

	// NativeRecurrence lets eligible meetings sync as one recurring event.
	NativeRecurrence bool `yaml:"native_recurrence" json:"native_recurrence" env:"COURSECAL_CALENDAR_NATIVE_RECURRENCE"`

	// ColorID and Reminders apply to courses that set none.
	ColorID   string           `yaml:"color_id" json:"color_id" env:"COURSECAL_CALENDAR_COLOR_ID"`
	Reminders []model.Reminder `yaml:"reminders" json:"reminders"`
}

// StoreConfig selects and configures the event_map backend.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver string `yaml:"driver" json:"driver" env:"COURSECAL_STORE_DRIVER" env-default:"sqlite"`
	// Path is the SQLite database file.
	Path string `yaml:"path" json:"path" env:"COURSECAL_STORE_PATH" env-default:"data/coursecal.db"`
	// DSN is the PostgreSQL connection string. Never logged.
	DSN             string        `yaml:"dsn" json:"-" env:"COURSECAL_STORE_DSN"`
	MaxConns        int32         `yaml:"max_conns" json:"max_conns" env:"COURSECAL_STORE_MAX_CONNS" env-default:"10"`
	MinConns        int32         `yaml:"min_conns" json:"min_conns" env:"COURSECAL_STORE_MIN_CONNS" env-default:"1"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" json:"max_conn_lifetime" env:"COURSECAL_STORE_MAX_CONN_LIFETIME" env-default:"1h"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" json:"max_conn_idle_time" env:"COURSECAL_STORE_MAX_CONN_IDLE_TIME" env-default:"30m"`
}

// SyncConfig controls reconciliation and execution.
type SyncConfig struct {
	Concurrency   int     `yaml:"concurrency" json:"concurrency" env:"COURSECAL_SYNC_CONCURRENCY" env-default:"4"`
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second" env:"COURSECAL_SYNC_RATE_PER_SECOND" env-default:"5"`
	Burst         int     `yaml:"burst" json:"burst" env:"COURSECAL_SYNC_BURST" env-default:"5"`

	// MaxRetries bounds retries per entry; 0 disables retrying. No
	// env-default: cleanenv fills every zero value, including an explicit 0.
	MaxRetries     int           `yaml:"max_retries" json:"max_retries" env:"COURSECAL_SYNC_MAX_RETRIES"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff" env:"COURSECAL_SYNC_INITIAL_BACKOFF" env-default:"500ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff" env:"COURSECAL_SYNC_MAX_BACKOFF" env-default:"30s"`

	// ConflictDetection enables live reads of every known remote event.
	ConflictDetection bool `yaml:"conflict_detection" json:"conflict_detection" env:"COURSECAL_SYNC_CONFLICT_DETECTION"`
	// ConflictPolicy is one of "skip", "overwrite", "merge-report".
	ConflictPolicy string `yaml:"conflict_policy" json:"conflict_policy" env:"COURSECAL_SYNC_CONFLICT_POLICY" env-default:"skip"`
	// AdoptOrphans lists the remote by private extension to adopt events
	// whose event_map entry was lost and to delete stray events.
	AdoptOrphans bool `yaml:"adopt_orphans" json:"adopt_orphans" env:"COURSECAL_SYNC_ADOPT_ORPHANS"`

	// WeekStart is "monday" (default) or "sunday"; it anchors odd/even weeks.
	WeekStart      string `yaml:"week_start" json:"week_start" env:"COURSECAL_SYNC_WEEK_START" env-default:"monday"`
	MaxOccurrences int    `yaml:"max_occurrences" json:"max_occurrences" env:"COURSECAL_SYNC_MAX_OCCURRENCES" env-default:"5000"`
}

// ScheduleConfig drives periodic syncs in daemon mode.
type ScheduleConfig struct {
	// Refresh is a standard 5-field cron expression. Empty disables it.
	Refresh string `yaml:"refresh" json:"refresh" env:"COURSECAL_SCHEDULE_REFRESH" env-default:"*/30 * * * *"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Listen          string        `yaml:"listen" json:"listen" env:"COURSECAL_SERVER_LISTEN" env-default:"127.0.0.1:8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"COURSECAL_SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Calendar: CalendarConfig{
			Provider:         "google",
			CalendarID:       "primary",
			TokenFile:        "token.json",
			NativeRecurrence: true,
			Reminders:        []model.Reminder{{Method: "popup", Minutes: 10}},
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			Path:            "data/coursecal.db",
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
		},
		Sync: SyncConfig{
			Concurrency:       4,
			RatePerSecond:     5,
			Burst:             5,
			MaxRetries:        5,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        30 * time.Second,
			ConflictDetection: true,
			ConflictPolicy:    "skip",
			AdoptOrphans:      true,
			WeekStart:         "monday",
			MaxOccurrences:    5000,
		},
		Schedule:    ScheduleConfig{Refresh: "*/30 * * * *"},
		Server:      ServerConfig{Listen: "127.0.0.1:8080", ShutdownTimeout: 10 * time.Second},
		CoursesFile: "courses.yaml",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Calendar.Provider == "" {
		c.Calendar.Provider = d.Calendar.Provider
	}
	if c.Calendar.CalendarID == "" {
		c.Calendar.CalendarID = d.Calendar.CalendarID
	}
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = d.Sync.Concurrency
	}
	if c.Sync.RatePerSecond == 0 {
		c.Sync.RatePerSecond = d.Sync.RatePerSecond
	}
	if c.Sync.Burst == 0 {
		c.Sync.Burst = d.Sync.Burst
	}
	if c.Sync.InitialBackoff == 0 {
		c.Sync.InitialBackoff = d.Sync.InitialBackoff
	}
	if c.Sync.MaxBackoff == 0 {
		c.Sync.MaxBackoff = d.Sync.MaxBackoff
	}
	c.Sync.ConflictPolicy = strings.ToLower(strings.TrimSpace(c.Sync.ConflictPolicy))
	if c.Sync.ConflictPolicy == "" {
		c.Sync.ConflictPolicy = d.Sync.ConflictPolicy
	}
	c.Sync.WeekStart = strings.ToLower(strings.TrimSpace(c.Sync.WeekStart))
	if c.Sync.WeekStart == "" {
		c.Sync.WeekStart = d.Sync.WeekStart
	}
	if c.Sync.MaxOccurrences == 0 {
		c.Sync.MaxOccurrences = d.Sync.MaxOccurrences
	}
	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.CoursesFile == "" {
		c.CoursesFile = d.CoursesFile
	}
}

// Validate rejects settings the rest of the program cannot honor.
func (c *Config) Validate() error {
	switch c.Calendar.Provider {
	case "google", "memory":
	default:
		return fmt.Errorf("calendar.provider: unsupported %q", c.Calendar.Provider)
	}
	if c.Calendar.CalendarID == "" {
		return errors.New("calendar.calendar_id is required")
	}

	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver: unsupported %q", c.Store.Driver)
	}

	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be > 0 (got %d)", c.Sync.Concurrency)
	}
	if c.Sync.RatePerSecond <= 0 {
		return fmt.Errorf("sync.rate_per_second must be > 0 (got %v)", c.Sync.RatePerSecond)
	}
	if c.Sync.Burst <= 0 {
		return fmt.Errorf("sync.burst must be > 0 (got %d)", c.Sync.Burst)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must be >= 0 (got %d)", c.Sync.MaxRetries)
	}
	if c.Sync.InitialBackoff > c.Sync.MaxBackoff {
		return fmt.Errorf("sync.initial_backoff (%s) exceeds sync.max_backoff (%s)", c.Sync.InitialBackoff, c.Sync.MaxBackoff)
	}
	switch c.Sync.ConflictPolicy {
	case "skip", "overwrite", "merge-report":
	default:
		return fmt.Errorf("sync.conflict_policy: unsupported %q", c.Sync.ConflictPolicy)
	}
	switch c.Sync.WeekStart {
	case "monday", "sunday":
	default:
		return fmt.Errorf("sync.week_start: unsupported %q", c.Sync.WeekStart)
	}
	if c.Sync.MaxOccurrences < 0 {
		return fmt.Errorf("sync.max_occurrences must be >= 0 (got %d)", c.Sync.MaxOccurrences)
	}

	if c.Schedule.Refresh != "" {
		if _, err := cron.ParseStandard(c.Schedule.Refresh); err != nil {
			return fmt.Errorf("schedule.refresh: %w", err)
		}
	}
	if c.Server.BasicAuth != nil && c.Server.BasicAuth.Username == "" {
		return errors.New("server.basic_auth.username is required when basic_auth is set")
	}
	return nil
}

// WeekStartDay returns the configured week start as a time.Weekday.
func (s SyncConfig) WeekStartDay() time.Weekday {
	if s.WeekStart == "sunday" {
		return time.Sunday
	}
	return time.Monday
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - If the file exists (or was just written):
//   - read YAML over DefaultConfig, then apply COURSECAL_* env overrides
//     and env-default tags
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
		// First run: create default config file.
		if err := Save(path, DefaultConfig()); err != nil {
			return nil, fmt.Errorf("config: write default %s: %w", path, err)
		}
	}

	// Decode over the defaults so keys missing from the file keep them.
	// Booleans and max_retries get their defaults only this way.
	cfg := *DefaultConfig()
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".coursecal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
