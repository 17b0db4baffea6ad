package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func newDeviceViper() *viper.Viper {
	configViper := viper.New()
	ApplyDeviceDefaults(configViper)
	return configViper
}

func newRelayViper() *viper.Viper {
	configViper := viper.New()
	ApplyRelayDefaults(configViper)
	return configViper
}

func TestLoadDeviceDefaults(t *testing.T) {
	cfg, err := LoadDevice(newDeviceViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabasePath != "nestlog.db" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.Debounce != 2*time.Second || cfg.PushMaxRetries != 3 || cfg.PushRetryDelay != time.Second {
		t.Fatalf("unexpected sync defaults %+v", cfg)
	}
	if cfg.ReconnectDelay != 3*time.Second {
		t.Fatalf("unexpected reconnect delay %s", cfg.ReconnectDelay)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
}

func TestLoadDeviceReadsEnvironment(t *testing.T) {
	t.Setenv("NESTLOG_DEVICE_ID", "kitchen-tablet")
	t.Setenv("NESTLOG_RELAY_HTTP_URL", "https://relay.example/")
	t.Setenv("NESTLOG_RELAY_WS_URL", "wss://relay.example/ws")
	t.Setenv("NESTLOG_SYNC_DEBOUNCE", "500ms")

	cfg, err := LoadDevice(newDeviceViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DeviceID != "kitchen-tablet" {
		t.Fatalf("expected device id from env, got %q", cfg.DeviceID)
	}
	if cfg.RelayHTTPURL != "https://relay.example" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.RelayHTTPURL)
	}
	if cfg.Debounce != 500*time.Millisecond {
		t.Fatalf("expected debounce from env, got %s", cfg.Debounce)
	}
}

func TestLoadDeviceValidation(t *testing.T) {
	cases := map[string]func(*viper.Viper){
		"empty database":     func(v *viper.Viper) { v.Set("database.path", " ") },
		"bad http scheme":    func(v *viper.Viper) { v.Set("relay.http_url", "ftp://relay") },
		"ws url not ws":      func(v *viper.Viper) { v.Set("relay.ws_url", "http://relay/ws") },
		"zero debounce":      func(v *viper.Viper) { v.Set("sync.debounce", 0) },
		"zero retries":       func(v *viper.Viper) { v.Set("sync.push_max_retries", 0) },
		"negative reconnect": func(v *viper.Viper) { v.Set("transport.reconnect_delay", -time.Second) },
	}
	for name, mutate := range cases {
		configViper := newDeviceViper()
		mutate(configViper)
		if _, err := LoadDevice(configViper); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadRelayDefaultsAndOrigins(t *testing.T) {
	t.Setenv("NESTLOG_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	cfg, err := LoadRelay(newRelayViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" || cfg.DatabasePath != "nestlog-relay.db" || cfg.ReplayPageSize != 500 {
		t.Fatalf("unexpected relay defaults %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadRelayRejectsNegativePageSize(t *testing.T) {
	configViper := newRelayViper()
	configViper.Set("relay.replay_page_size", -1)
	if _, err := LoadRelay(configViper); err == nil {
		t.Fatalf("expected error for negative replay page size")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.env")
	if err := os.WriteFile(path, []byte("NESTLOG_DEVICE_NAME=nursery\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("NESTLOG_DEVICE_NAME", "")
	os.Unsetenv("NESTLOG_DEVICE_NAME")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("NESTLOG_DEVICE_NAME"); got != "nursery" {
		t.Fatalf("expected value from env file, got %q", got)
	}
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err == nil {
		t.Fatalf("expected error for missing explicit file")
	}
}
