package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Backend      BackendConfig      `yaml:"backend" toml:"backend"`
	Store        StoreConfig        `yaml:"store" toml:"store"`
	Connectivity ConnectivityConfig `yaml:"connectivity" toml:"connectivity"`
	Bridge       BridgeConfig       `yaml:"bridge" toml:"bridge"`
	Sync         SyncConfig         `yaml:"sync" toml:"sync"`
	Snapshot     SnapshotConfig     `yaml:"snapshot" toml:"snapshot"`
	Terminal     TerminalConfig     `yaml:"terminal" toml:"terminal"`
	Log          LogConfig          `yaml:"log" toml:"log"`
}

// ServerConfig contains local API settings.
type ServerConfig struct {
	Address         string   `yaml:"address" toml:"address"`
	APIKey          string   `yaml:"-" toml:"-"` // env-only; empty disables auth
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// BackendConfig locates the remote point-of-sale backend.
type BackendConfig struct {
	URL          string   `yaml:"url" toml:"url"`
	APIKey       string   `yaml:"-" toml:"-"` // env-only
	ProbePath    string   `yaml:"probe_path" toml:"probe_path"`
	Timeout      Duration `yaml:"timeout" toml:"timeout"`
	ProbeTimeout Duration `yaml:"probe_timeout" toml:"probe_timeout"`
}

// StoreConfig contains local database settings.
type StoreConfig struct {
	Path      string `yaml:"path" toml:"path"`
	MaxSizeMB int    `yaml:"max_size_mb" toml:"max_size_mb"`
}

// ConnectivityConfig tunes the prober.
type ConnectivityConfig struct {
	FastInterval        Duration `yaml:"fast_interval" toml:"fast_interval"`
	StableInterval      Duration `yaml:"stable_interval" toml:"stable_interval"`
	HiddenInterval      Duration `yaml:"hidden_interval" toml:"hidden_interval"`
	MaxInterval         Duration `yaml:"max_interval" toml:"max_interval"`
	Threshold           int      `yaml:"threshold" toml:"threshold"`
	ProbeAttempts       int      `yaml:"probe_attempts" toml:"probe_attempts"`
	ProbeRetryDelay     Duration `yaml:"probe_retry_delay" toml:"probe_retry_delay"`
	Debounce            Duration `yaml:"debounce" toml:"debounce"`
	LatencySamples      int      `yaml:"latency_samples" toml:"latency_samples"`
	NetworkPollInterval Duration `yaml:"network_poll_interval" toml:"network_poll_interval"`
	Channel             string   `yaml:"channel" toml:"channel"`
	ChannelDir          string   `yaml:"channel_dir" toml:"channel_dir"`
	SyncOnOverrideLift  bool     `yaml:"sync_on_override_lift" toml:"sync_on_override_lift"`
}

// BridgeConfig tunes the background worker bridge.
type BridgeConfig struct {
	Mode             string   `yaml:"mode" toml:"mode"` // inproc or process
	HandshakeTimeout Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	CallTimeout      Duration `yaml:"call_timeout" toml:"call_timeout"`
	HangTimeout      Duration `yaml:"hang_timeout" toml:"hang_timeout"`
	LivenessInterval Duration `yaml:"liveness_interval" toml:"liveness_interval"`
	MaxRestarts      int      `yaml:"max_restarts" toml:"max_restarts"`
	RestartDelay     Duration `yaml:"restart_delay" toml:"restart_delay"`
	RetryDelay       Duration `yaml:"retry_delay" toml:"retry_delay"`
}

// SyncConfig tunes draining and cache refresh.
type SyncConfig struct {
	MaxRetries      int      `yaml:"max_retries" toml:"max_retries"`
	Retention       Duration `yaml:"retention" toml:"retention"`
	BatchSize       int      `yaml:"batch_size" toml:"batch_size"`
	SweepInterval   Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	RefreshInterval Duration `yaml:"refresh_interval" toml:"refresh_interval"` // 0 disables
	SkipPreCheck    bool     `yaml:"skip_pre_check" toml:"skip_pre_check"`
}

// SnapshotConfig contains support snapshot settings. Upload is enabled
// when Bucket is set.
type SnapshotConfig struct {
	Dir       string   `yaml:"dir" toml:"dir"`
	Bucket    string   `yaml:"bucket" toml:"bucket"`
	Endpoint  string   `yaml:"endpoint" toml:"endpoint"`
	Region    string   `yaml:"region" toml:"region"`
	AccessKey string   `yaml:"-" toml:"-"` // env-only
	SecretKey string   `yaml:"-" toml:"-"` // env-only
	UseSSL    *bool    `yaml:"use_ssl" toml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry" toml:"url_expiry"`
}

// TerminalConfig identifies this terminal. An empty ID is generated on
// first start and kept in the settings table.
type TerminalConfig struct {
	ID   string `yaml:"id" toml:"id"`
	Name string `yaml:"name" toml:"name"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Duration is a wrapper around time.Duration that parses Go duration
// strings from YAML and TOML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used by TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → config file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("POSSYNC_CONFIG_PATH", "config/possync.yaml")

	// Missing file is not an error
	if err := loadFile(cfg, configPath, false); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	if err := loadFile(cfg, path, true); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in defaults without reading files or env.
func Default() *Config {
	return newDefaults()
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "127.0.0.1:7480",
			ReadTimeout:     Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Backend: BackendConfig{
			ProbePath:    "/api/v1/ping",
			Timeout:      Duration(30 * time.Second),
			ProbeTimeout: Duration(5 * time.Second),
		},
		Store: StoreConfig{
			Path: "data/possync.db",
		},
		Connectivity: ConnectivityConfig{
			FastInterval:        Duration(5 * time.Second),
			StableInterval:      Duration(30 * time.Second),
			HiddenInterval:      Duration(60 * time.Second),
			MaxInterval:         Duration(2 * time.Minute),
			Threshold:           2,
			ProbeAttempts:       3,
			ProbeRetryDelay:     Duration(500 * time.Millisecond),
			Debounce:            Duration(150 * time.Millisecond),
			LatencySamples:      10,
			NetworkPollInterval: Duration(2 * time.Second),
			Channel:             "possync-connectivity",
		},
		Bridge: BridgeConfig{
			Mode:             "inproc",
			HandshakeTimeout: Duration(5 * time.Second),
			CallTimeout:      Duration(30 * time.Second),
			HangTimeout:      Duration(2 * time.Minute),
			LivenessInterval: Duration(15 * time.Second),
			MaxRestarts:      3,
			RestartDelay:     Duration(1 * time.Second),
			RetryDelay:       Duration(250 * time.Millisecond),
		},
		Sync: SyncConfig{
			MaxRetries:    3,
			Retention:     Duration(7 * 24 * time.Hour),
			BatchSize:     100,
			SweepInterval: Duration(1 * time.Hour),
		},
		Snapshot: SnapshotConfig{
			Dir:       "data/snapshots",
			URLExpiry: Duration(15 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadFile decodes a YAML or TOML file, chosen by extension.
func loadFile(cfg *Config, path string, mustExist bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envString("POSSYNC_ADDRESS", &cfg.Server.Address)
	envString("POSSYNC_API_KEY", &cfg.Server.APIKey)
	envDuration("POSSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Backend
	envString("POSSYNC_BACKEND_URL", &cfg.Backend.URL)
	envString("POSSYNC_BACKEND_API_KEY", &cfg.Backend.APIKey)
	envString("POSSYNC_PROBE_PATH", &cfg.Backend.ProbePath)
	envDuration("POSSYNC_BACKEND_TIMEOUT", &cfg.Backend.Timeout)

	// Store
	envString("POSSYNC_DB_PATH", &cfg.Store.Path)
	envInt("POSSYNC_DB_MAX_SIZE_MB", &cfg.Store.MaxSizeMB)

	// Connectivity
	envInt("POSSYNC_PROBE_THRESHOLD", &cfg.Connectivity.Threshold)
	envString("POSSYNC_BROADCAST_DIR", &cfg.Connectivity.ChannelDir)
	if v := os.Getenv("POSSYNC_SYNC_ON_OVERRIDE_LIFT"); v != "" {
		cfg.Connectivity.SyncOnOverrideLift = v == "true" || v == "1"
	}

	// Bridge
	envString("POSSYNC_BRIDGE_MODE", &cfg.Bridge.Mode)
	envInt("POSSYNC_BRIDGE_MAX_RESTARTS", &cfg.Bridge.MaxRestarts)

	// Sync
	envInt("POSSYNC_MAX_RETRIES", &cfg.Sync.MaxRetries)
	envDuration("POSSYNC_RETENTION", &cfg.Sync.Retention)
	envDuration("POSSYNC_REFRESH_INTERVAL", &cfg.Sync.RefreshInterval)

	// Snapshot
	envString("POSSYNC_SNAPSHOT_DIR", &cfg.Snapshot.Dir)
	envString("POSSYNC_SNAPSHOT_BUCKET", &cfg.Snapshot.Bucket)
	envString("POSSYNC_S3_ENDPOINT", &cfg.Snapshot.Endpoint)
	envString("POSSYNC_S3_REGION", &cfg.Snapshot.Region)
	envString("POSSYNC_S3_ACCESS_KEY", &cfg.Snapshot.AccessKey)
	envString("POSSYNC_S3_SECRET_KEY", &cfg.Snapshot.SecretKey)
	if v := os.Getenv("POSSYNC_S3_USE_SSL"); v != "" {
		b := v == "true" || v == "1"
		cfg.Snapshot.UseSSL = &b
	}
	envDuration("POSSYNC_S3_URL_EXPIRY", &cfg.Snapshot.URLExpiry)

	// Terminal
	envString("POSSYNC_TERMINAL_ID", &cfg.Terminal.ID)
	envString("POSSYNC_TERMINAL_NAME", &cfg.Terminal.Name)

	// Log
	envString("POSSYNC_LOG_LEVEL", &cfg.Log.Level)
	envString("POSSYNC_LOG_FORMAT", &cfg.Log.Format)
}

// validate checks that required configuration values are set.
// In dev mode (POSSYNC_DEV_MODE=true), required-field validation is skipped.
func (c *Config) validate() error {
	if c.Bridge.Mode != "inproc" && c.Bridge.Mode != "process" {
		return fmt.Errorf("bridge.mode must be inproc or process, got %q", c.Bridge.Mode)
	}
	if c.Connectivity.Threshold < 1 {
		return errors.New("connectivity.threshold must be at least 1")
	}
	if c.Sync.MaxRetries < 0 {
		return errors.New("sync.max_retries must not be negative")
	}

	if os.Getenv("POSSYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Backend.URL == "" {
		return errors.New("POSSYNC_BACKEND_URL is required")
	}
	if c.Snapshot.Bucket != "" && (c.Snapshot.AccessKey == "" || c.Snapshot.SecretKey == "") {
		return errors.New("POSSYNC_S3_ACCESS_KEY and POSSYNC_S3_SECRET_KEY are required when a snapshot bucket is set")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
