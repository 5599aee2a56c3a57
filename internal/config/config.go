package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

const (
	BackendGoogle = "google"
	BackendICS    = "ics"
)

// CalendarsConfig names the destination calendars (mailbox/calendar ids as
// understood by the configured backend).
type CalendarsConfig struct {
	Primary          string `yaml:"primary" json:"primary"`
	Senior           string `yaml:"senior" json:"senior"`
	CampusManagement string `yaml:"campus_management" json:"campus_management"`
	Planning         string `yaml:"planning" json:"planning"`
	// Override, if set, receives every event and no other calendar is used.
	Override string `yaml:"override,omitempty" json:"override,omitempty"`
}

// All returns the distinct destination calendars in routing order.
func (c CalendarsConfig) All() []string {
	if c.Override != "" {
		return []string{c.Override}
	}
	seen := make(map[string]bool)
	out := make([]string, 0, 4)
	for _, name := range []string{c.Primary, c.Senior, c.CampusManagement, c.Planning} {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// WindowConfig is a date window relative to "today" in the business timezone.
type WindowConfig struct {
	BackDays  int `yaml:"back_days" json:"back_days"`
	AheadDays int `yaml:"ahead_days" json:"ahead_days"`
}

// Bounds resolves the window against now, snapping to local midnight.
func (w WindowConfig) Bounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return day.AddDate(0, 0, -w.BackDays), day.AddDate(0, 0, w.AheadDays)
}

// WindowsConfig groups the windows used by the full and rotating passes.
type WindowsConfig struct {
	Full WindowConfig `yaml:"full" json:"full"`
	// Near is used by the rotating job on even days, Far on odd days.
	Near WindowConfig `yaml:"near" json:"near"`
	Far  WindowConfig `yaml:"far" json:"far"`
}

// ScheduleConfig holds cron specs for the daemon. Empty disables a job.
type ScheduleConfig struct {
	Incremental string `yaml:"incremental" json:"incremental"`
	Full        string `yaml:"full" json:"full"`
	Rotating    string `yaml:"rotating" json:"rotating"`
}

// GoogleConfig holds OAuth client settings for the Google Calendar backend.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"-"`
	// TokenFile points at a JSON-encoded oauth2.Token.
	TokenFile string `yaml:"token_file" json:"token_file"`
}

// ICSConfig configures the local .ics mailbox backend.
type ICSConfig struct {
	Dir string `yaml:"dir" json:"dir"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA business timezone the source store uses for
	// local wall-clock times (e.g. "Australia/Brisbane").
	Timezone string `yaml:"timezone" json:"timezone"`

	// Database is the SQLite file holding the source tables and sync state.
	Database string `yaml:"database" json:"database"`

	// SystemURL is the base URL used for "view in system" links.
	SystemURL string `yaml:"system_url" json:"system_url"`

	// Listen is the HTTP listen address for the status API (daemon mode).
	Listen string `yaml:"listen" json:"listen"`

	Log LogConfig `yaml:"log" json:"log"`

	// Backend selects the calendar client: "google" or "ics".
	Backend string       `yaml:"backend" json:"backend"`
	Google  GoogleConfig `yaml:"google" json:"google"`
	ICS     ICSConfig    `yaml:"ics" json:"ics"`

	Calendars CalendarsConfig `yaml:"calendars" json:"calendars"`
	Windows   WindowsConfig   `yaml:"windows" json:"windows"`
	Schedule  ScheduleConfig  `yaml:"schedule" json:"schedule"`

	// IncrementalLookbackDays bounds how far back modified entities are
	// considered by the incremental pass.
	IncrementalLookbackDays int `yaml:"incremental_lookback_days" json:"incremental_lookback_days"`

	// LockTTLMinutes is how long a run lock is honoured before takeover.
	LockTTLMinutes int `yaml:"lock_ttl_minutes" json:"lock_ttl_minutes"`

	// PublicCategories are eligible for a "<Category> Public" twin.
	PublicCategories []string `yaml:"public_categories" json:"public_categories"`

	// BoardCategory suppresses public augmentation when present.
	BoardCategory string `yaml:"board_category" json:"board_category"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultPublicCategories is the fixed public-eligible category list.
func DefaultPublicCategories() []string {
	return []string{
		"Primary School",
		"Senior School",
		"Whole School",
		"ELC",
		"Red Hill",
		"Northside",
		"Website",
		"Alumni",
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timezone:  "Australia/Brisbane",
		Database:  "/var/lib/calsync/calsync.db",
		SystemURL: "https://activities.example.edu",
		Listen:    "127.0.0.1:8080",
		Log:       LogConfig{Level: "info", Format: "text"},
		Backend:   BackendICS,
		ICS:       ICSConfig{Dir: "/var/lib/calsync/mailboxes"},
		Calendars: CalendarsConfig{
			Primary:          "primary-school",
			Senior:           "senior-school",
			CampusManagement: "campus-management",
			Planning:         "planning",
		},
		Windows: WindowsConfig{
			Full: WindowConfig{BackDays: 30, AheadDays: 365},
			Near: WindowConfig{BackDays: 7, AheadDays: 60},
			Far:  WindowConfig{BackDays: -60, AheadDays: 365},
		},
		Schedule: ScheduleConfig{
			Incremental: "*/10 * * * *",
			Full:        "0 2 * * *",
			Rotating:    "30 * * * *",
		},
		IncrementalLookbackDays: 7,
		LockTTLMinutes:          120,
		PublicCategories:        DefaultPublicCategories(),
		BoardCategory:           "CGS Board",
		BasicAuth:               nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.Database == "" {
		c.Database = def.Database
	}
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	switch c.Log.Format {
	case "text", "json":
		// ok
	default:
		c.Log.Format = def.Log.Format
	}
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.Backend == BackendICS && c.ICS.Dir == "" {
		c.ICS.Dir = def.ICS.Dir
	}
	if c.Windows.Full == (WindowConfig{}) {
		c.Windows.Full = def.Windows.Full
	}
	if c.Windows.Near == (WindowConfig{}) {
		c.Windows.Near = def.Windows.Near
	}
	if c.Windows.Far == (WindowConfig{}) {
		c.Windows.Far = def.Windows.Far
	}
	if c.IncrementalLookbackDays <= 0 {
		c.IncrementalLookbackDays = def.IncrementalLookbackDays
	}
	if c.LockTTLMinutes <= 0 {
		c.LockTTLMinutes = def.LockTTLMinutes
	}
	if c.PublicCategories == nil {
		c.PublicCategories = def.PublicCategories
	}
	if c.BoardCategory == "" {
		c.BoardCategory = def.BoardCategory
	}
}

// Validate reports settings the engine cannot run with.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	if len(c.Calendars.All()) == 0 {
		return errors.New("config: no destination calendars configured")
	}
	switch c.Backend {
	case BackendICS:
		if c.ICS.Dir == "" {
			return errors.New("config: ics.dir is required for the ics backend")
		}
	case BackendGoogle:
		if c.Google.ClientID == "" || c.Google.TokenFile == "" {
			return errors.New("config: google.client_id and google.token_file are required for the google backend")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	for name, w := range map[string]WindowConfig{"full": c.Windows.Full, "near": c.Windows.Near, "far": c.Windows.Far} {
		if -w.BackDays >= w.AheadDays {
			return fmt.Errorf("config: window %s is empty (back_days=%d ahead_days=%d)", name, w.BackDays, w.AheadDays)
		}
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{"incremental": c.Schedule.Incremental, "full": c.Schedule.Full, "rotating": c.Schedule.Rotating} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("config: schedule.%s %q: %w", name, spec, err)
		}
	}
	return nil
}

// Location resolves the business timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// LockTTL returns the run lock takeover threshold.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMinutes) * time.Minute
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

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

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, ".calsync-config-*.tmp")
}

// WriteFileAtomic writes data next to path in a temp file, syncs it, sets
// 0600 and renames it over path.
func WriteFileAtomic(path string, data []byte, pattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
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
