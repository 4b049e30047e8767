package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const keychainService = "fieldsync"

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Gateway      GatewayConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
	// Backend is "sqlite" or "badger".
	Backend string
}

// AttachmentsDir is where attachment references are resolved.
func (s StorageConfig) AttachmentsDir() string {
	return filepath.Join(s.DataDir, "attachments")
}

type GatewayConfig struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	RatePerSecond float64
}

type SyncConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Interval    time.Duration
	Concurrency int
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration
}

type LogConfig struct {
	Level string
}

// SlogLevel maps Level to a slog level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Backend: "sqlite",
		},
		Gateway: GatewayConfig{
			Timeout:       15 * time.Second,
			RatePerSecond: 5,
		},
		Sync: SyncConfig{
			MaxRetries:  3,
			BackoffBase: 2 * time.Second,
			BackoffCap:  5 * time.Minute,
			Interval:    30 * time.Second,
			Concurrency: 2,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.fieldsync.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/fieldsync/config.json
// and secrets fall back to a secrets.json file next to the data directory.
//
// Environment variables (FIELDSYNC_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), platformKeychain{})
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	return cfg, nil
}

// Validate reports settings the daemon cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("missing required config: gateway.base_url (FIELDSYNC_GATEWAY_BASE_URL)"))
	}
	if c.Gateway.Token == "" {
		errs = append(errs, fmt.Errorf("missing required config: gateway token. "+
			"Set it via environment variable FIELDSYNC_GATEWAY_TOKEN%s", secretHint("gateway_token")))
	}
	switch c.Storage.Backend {
	case "sqlite", "badger":
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be sqlite or badger, got %q", c.Storage.Backend))
	}
	if c.Sync.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("sync.max_retries must be at least 1, got %d", c.Sync.MaxRetries))
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency))
	}
	return errors.Join(errs...)
}

// EnsureAPIToken generates and stores a local API token when none is
// configured. It reports whether a new token was created.
func EnsureAPIToken(cfg *Config) (bool, error) {
	return ensureAPIToken(cfg, platformKeychain{})
}

func ensureAPIToken(cfg *Config, kc keychain) (bool, error) {
	if cfg.Server.APIToken != "" {
		return false, nil
	}
	token := uuid.NewString()
	if err := kc.Set(keychainService, "api_token", token); err != nil {
		return false, fmt.Errorf("storing api token: %w", err)
	}
	cfg.Server.APIToken = token
	return true, nil
}

// platformKeychain reads and writes the OS secret store.
type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
