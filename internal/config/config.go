package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// Config holds all volcanosync configuration.
type Config struct {
	// Upstream GeoJSON feed
	Feed FeedConfig `yaml:"feed"`

	// GIS portal connection
	Portal PortalConfig `yaml:"portal"`

	// Local data locations
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// FeedConfig configures the upstream volcano feed.
type FeedConfig struct {
	URL       string `yaml:"url"`
	Timeout   string `yaml:"timeout"`
	UserAgent string `yaml:"user_agent"`

	// AllowEmpty permits overwriting the hosted layer with a feed that
	// contains zero features. Off unless the layer is genuinely expected
	// to go empty.
	AllowEmpty bool `yaml:"allow_empty"`
}

// PortalConfig configures the GIS portal connection.
type PortalConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`

	// Password is usually left empty here and supplied via the
	// VOLCANOSYNC_PORTAL_PASSWORD environment variable or the OS keyring.
	Password string `yaml:"password,omitempty"`

	// ItemID is the portal item id of the hosted feature layer to
	// overwrite.
	ItemID string `yaml:"item_id"`

	// Referer sent with token requests. Defaults to the portal URL.
	Referer string `yaml:"referer"`

	// TokenMinutes is the requested token lifetime in minutes.
	TokenMinutes int `yaml:"token_minutes"`

	Timeout string `yaml:"timeout"`
}

// StorageConfig configures local data locations.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	GeoJSONFile string `yaml:"geojson_file"`
	LedgerFile  string `yaml:"ledger_file"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// KeyringService is the service name under which the portal password is
// stored in the operating system keyring.
const KeyringService = "volcanosync-portal"

// PasswordEnvVar is the environment variable checked for the portal
// password before falling back to the keyring.
const PasswordEnvVar = "VOLCANOSYNC_PORTAL_PASSWORD"

// Password sources reported by ResolvePassword.
const (
	PasswordSourceConfig  = "config"
	PasswordSourceEnv     = "env"
	PasswordSourceKeyring = "keyring"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			URL:       "https://volcanoes.usgs.gov/vsc/api/volcanoApi/geojson",
			Timeout:   "60s",
			UserAgent: "volcanosync/1.0",
		},

		Portal: PortalConfig{
			TokenMinutes: 60,
			Timeout:      "120s",
		},

		Storage: StorageConfig{
			DataDir:     "data",
			GeoJSONFile: "volcanoes.geojson",
			LedgerFile:  "volcanosync.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "volcanosync.log",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file. The portal password is never
// written back out.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	clean := *c
	clean.Portal.Password = ""

	data, err := yaml.Marshal(&clean)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. The portal
// password is deliberately not handled here; ResolvePassword owns the
// credential chain so its reported source stays accurate.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("VOLCANOSYNC_FEED_URL"); url != "" {
		c.Feed.URL = url
	}
	if url := os.Getenv("VOLCANOSYNC_PORTAL_URL"); url != "" {
		c.Portal.URL = url
	}
	if user := os.Getenv("VOLCANOSYNC_PORTAL_USER"); user != "" {
		c.Portal.Username = user
	}
	if item := os.Getenv("VOLCANOSYNC_PORTAL_ITEM"); item != "" {
		c.Portal.ItemID = item
	}
	if dir := os.Getenv("VOLCANOSYNC_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if path := os.Getenv("VOLCANOSYNC_DB"); path != "" {
		c.Storage.LedgerFile = path
	}
}

// ResolvePassword resolves the portal password. Priority: config file
// value, then VOLCANOSYNC_PORTAL_PASSWORD, then the OS keyring entry for
// the portal username under the volcanosync-portal service.
func (c *Config) ResolvePassword() (password, source string, err error) {
	if c.Portal.Password != "" {
		return c.Portal.Password, PasswordSourceConfig, nil
	}
	if v := os.Getenv(PasswordEnvVar); v != "" {
		return v, PasswordSourceEnv, nil
	}

	v, err := keyring.Get(KeyringService, c.Portal.Username)
	if err == nil {
		return v, PasswordSourceKeyring, nil
	}
	if errors.Is(err, keyring.ErrNotFound) {
		return "", "", fmt.Errorf(
			"portal password not configured (set portal.password, export %s, or store it in the OS keyring under service %q for user %q)",
			PasswordEnvVar, KeyringService, c.Portal.Username)
	}
	return "", "", fmt.Errorf("failed to read portal password from keyring: %w", err)
}

// FeedTimeout returns the feed download timeout as a duration.
func (c *Config) FeedTimeout() time.Duration {
	d, err := time.ParseDuration(c.Feed.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// PortalTimeout returns the portal request timeout as a duration.
func (c *Config) PortalTimeout() time.Duration {
	d, err := time.ParseDuration(c.Portal.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// PortalReferer returns the referer sent with token requests.
func (c *Config) PortalReferer() string {
	if c.Portal.Referer != "" {
		return c.Portal.Referer
	}
	return c.Portal.URL
}

// GeoJSONPath returns the path the downloaded feed is written to.
func (c *Config) GeoJSONPath() string {
	return c.resolve(c.Storage.GeoJSONFile)
}

// LedgerPath returns the path of the run ledger database.
func (c *Config) LedgerPath() string {
	return c.resolve(c.Storage.LedgerFile)
}

// LogPath returns the path of the log file, or "" when file logging is
// disabled.
func (c *Config) LogPath() string {
	if c.Logging.File == "" {
		return ""
	}
	return c.resolve(c.Logging.File)
}

func (c *Config) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Storage.DataDir, name)
}

// ValidLogLevels lists all supported logging levels.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// ValidLogFormats lists all supported logging formats.
var ValidLogFormats = []string{"text", "json"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validateURL("feed.url", c.Feed.URL); err != nil {
		return err
	}
	if err := validateURL("portal.url", c.Portal.URL); err != nil {
		return err
	}
	if c.Portal.Username == "" {
		return fmt.Errorf("portal.username not configured (set it in the config file or export VOLCANOSYNC_PORTAL_USER)")
	}
	if c.Portal.ItemID == "" {
		return fmt.Errorf("portal.item_id not configured (set it in the config file or export VOLCANOSYNC_PORTAL_ITEM)")
	}
	if c.Portal.TokenMinutes < 1 || c.Portal.TokenMinutes > 21600 {
		return fmt.Errorf("portal.token_minutes must be between 1 and 21600, got %d", c.Portal.TokenMinutes)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir not configured")
	}

	validLevel := false
	for _, l := range ValidLogLevels {
		if c.Logging.Level == l {
			validLevel = true
			break
		}
	}
	if !validLevel {
		return fmt.Errorf("invalid logging level: %s (valid: %v)", c.Logging.Level, ValidLogLevels)
	}

	validFormat := false
	for _, f := range ValidLogFormats {
		if c.Logging.Format == f {
			validFormat = true
			break
		}
	}
	if !validFormat {
		return fmt.Errorf("invalid logging format: %s (valid: %v)", c.Logging.Format, ValidLogFormats)
	}

	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s not configured", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s: scheme must be http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s: missing host", field)
	}
	return nil
}
