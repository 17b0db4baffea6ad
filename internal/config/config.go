package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix       = "NESTLOG"
	defaultLogLevel = "info"

	defaultDeviceDatabasePath  = "nestlog.db"
	defaultRelayHTTPURL        = "http://localhost:8080"
	defaultRelayWSURL          = "ws://localhost:8080/ws"
	defaultDebounce            = 2 * time.Second
	defaultPushMaxRetries      = 3
	defaultPushRetryDelay      = time.Second
	defaultReconnectDelay      = 3 * time.Second
	defaultProbeInterval       = 10 * time.Second
	defaultRelayHTTPAddress    = "0.0.0.0:8080"
	defaultRelayDatabasePath   = "nestlog-relay.db"
	defaultRelayReplayPageSize = 500
	defaultDotEnvFile          = ".env"
)

// DeviceConfig captures runtime configuration for a caregiver device.
type DeviceConfig struct {
	DeviceID       string
	DeviceName     string
	DatabasePath   string
	RelayHTTPURL   string
	RelayWSURL     string
	LogLevel       string
	Debounce       time.Duration
	PushMaxRetries int
	PushRetryDelay time.Duration
	ReconnectDelay time.Duration
	ProbeInterval  time.Duration
	Offline        bool
}

// RelayConfig captures runtime configuration for the reference relay.
type RelayConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	ReplayPageSize int
	AllowedOrigins []string
}

// NewViper returns a viper instance with env bindings and the shared defaults configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures env bindings and defaults shared by both binaries.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
}

// ApplyDeviceDefaults layers the device defaults on top of ApplyDefaults.
func ApplyDeviceDefaults(configViper *viper.Viper) {
	ApplyDefaults(configViper)
	configViper.SetDefault("database.path", defaultDeviceDatabasePath)
	configViper.SetDefault("relay.http_url", defaultRelayHTTPURL)
	configViper.SetDefault("relay.ws_url", defaultRelayWSURL)
	configViper.SetDefault("sync.debounce", defaultDebounce)
	configViper.SetDefault("sync.push_max_retries", defaultPushMaxRetries)
	configViper.SetDefault("sync.push_retry_delay", defaultPushRetryDelay)
	configViper.SetDefault("transport.reconnect_delay", defaultReconnectDelay)
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
	configViper.SetDefault("connectivity.offline", false)
}

// ApplyRelayDefaults layers the relay defaults on top of ApplyDefaults.
func ApplyRelayDefaults(configViper *viper.Viper) {
	ApplyDefaults(configViper)
	configViper.SetDefault("http.address", defaultRelayHTTPAddress)
	configViper.SetDefault("database.path", defaultRelayDatabasePath)
	configViper.SetDefault("relay.replay_page_size", defaultRelayReplayPageSize)
}

// LoadDotEnv reads a .env file into the process environment. A missing default file is not an error;
// a missing explicit file is.
func LoadDotEnv(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = defaultDotEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadDevice parses device configuration from viper.
func LoadDevice(configViper *viper.Viper) (DeviceConfig, error) {
	cfg := DeviceConfig{
		DeviceID:       strings.TrimSpace(configViper.GetString("device.id")),
		DeviceName:     strings.TrimSpace(configViper.GetString("device.name")),
		DatabasePath:   configViper.GetString("database.path"),
		RelayHTTPURL:   strings.TrimRight(configViper.GetString("relay.http_url"), "/"),
		RelayWSURL:     configViper.GetString("relay.ws_url"),
		LogLevel:       configViper.GetString("log.level"),
		Debounce:       configViper.GetDuration("sync.debounce"),
		PushMaxRetries: configViper.GetInt("sync.push_max_retries"),
		PushRetryDelay: configViper.GetDuration("sync.push_retry_delay"),
		ReconnectDelay: configViper.GetDuration("transport.reconnect_delay"),
		ProbeInterval:  configViper.GetDuration("connectivity.probe_interval"),
		Offline:        configViper.GetBool("connectivity.offline"),
	}

	if err := cfg.validate(); err != nil {
		return DeviceConfig{}, err
	}

	return cfg, nil
}

// LoadRelay parses relay configuration from viper.
func LoadRelay(configViper *viper.Viper) (RelayConfig, error) {
	cfg := RelayConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		ReplayPageSize: configViper.GetInt("relay.replay_page_size"),
		AllowedOrigins: splitList(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return RelayConfig{}, err
	}

	return cfg, nil
}

func (c DeviceConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := validateURL("relay.http_url", c.RelayHTTPURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("relay.ws_url", c.RelayWSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("sync.debounce must be positive")
	}
	if c.PushMaxRetries <= 0 {
		return fmt.Errorf("sync.push_max_retries must be positive")
	}
	if c.PushRetryDelay <= 0 {
		return fmt.Errorf("sync.push_retry_delay must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("transport.reconnect_delay must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("connectivity.probe_interval must be positive")
	}
	return nil
}

func (c RelayConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.ReplayPageSize < 0 {
		return fmt.Errorf("relay.replay_page_size must not be negative")
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s is required", key)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is malformed: %w", key, err)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %s", key, strings.Join(schemes, ", "))
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
