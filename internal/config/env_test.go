package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	result := GetEnv("RELAY_TEST_NONEXISTENT_VAR", "default")
	if result != "default" {
		t.Errorf("Expected 'default', got %q", result)
	}

	t.Setenv("RELAY_TEST_GET_ENV", "custom")
	result = GetEnv("RELAY_TEST_GET_ENV", "default")
	if result != "custom" {
		t.Errorf("Expected 'custom', got %q", result)
	}
}

func TestGetFirstEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_LEGACY", "ws://legacy/ws?clientId=")

	if got := GetFirstEnv("fallback", "RELAY_TEST_PRIMARY", "RELAY_TEST_LEGACY"); got != "ws://legacy/ws?clientId=" {
		t.Errorf("Expected legacy alias value, got %q", got)
	}

	t.Setenv("RELAY_TEST_PRIMARY", "ws://primary/ws?clientId=")
	if got := GetFirstEnv("fallback", "RELAY_TEST_PRIMARY", "RELAY_TEST_LEGACY"); got != "ws://primary/ws?clientId=" {
		t.Errorf("Expected primary value to win, got %q", got)
	}

	if got := GetFirstEnv("fallback", "RELAY_TEST_UNSET_A", "RELAY_TEST_UNSET_B"); got != "fallback" {
		t.Errorf("Expected fallback, got %q", got)
	}
}

func TestGetIntEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"unset", "", 42},
		{"valid", "123", 123},
		{"invalid", "not-a-number", 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RELAY_TEST_INT_ENV", tt.value)
			if got := GetIntEnv("RELAY_TEST_INT_ENV", 42); got != tt.want {
				t.Errorf("GetIntEnv() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGetFloatEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_FLOAT_ENV", "0.75")
	if got := GetFloatEnv("RELAY_TEST_FLOAT_ENV", 1.0); got != 0.75 {
		t.Errorf("Expected 0.75, got %v", got)
	}

	t.Setenv("RELAY_TEST_FLOAT_ENV", "abc")
	if got := GetFloatEnv("RELAY_TEST_FLOAT_ENV", 1.0); got != 1.0 {
		t.Errorf("Expected default for invalid float, got %v", got)
	}
}

func TestGetBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"", false},
		{"true", true},
		{"1", true},
		{"false", false},
		{"yes", false}, // unparseable falls back to default
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("RELAY_TEST_BOOL_ENV", tt.value)
			if got := GetBoolEnv("RELAY_TEST_BOOL_ENV", false); got != tt.want {
				t.Errorf("GetBoolEnv(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestGetDurationEnv(t *testing.T) {
	defaultDuration := 5 * time.Second

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"unset", "", defaultDuration},
		{"seconds", "30s", 30 * time.Second},
		{"milliseconds", "100ms", 100 * time.Millisecond},
		{"invalid", "not-a-duration", defaultDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RELAY_TEST_DURATION_ENV", tt.value)
			if got := GetDurationEnv("RELAY_TEST_DURATION_ENV", defaultDuration); got != tt.want {
				t.Errorf("GetDurationEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetListEnv(t *testing.T) {
	defaults := []string{"a"}

	t.Setenv("RELAY_TEST_LIST_ENV", "")
	if got := GetListEnv("RELAY_TEST_LIST_ENV", defaults); !slices.Equal(got, defaults) {
		t.Errorf("Expected defaults, got %v", got)
	}

	t.Setenv("RELAY_TEST_LIST_ENV", " http://a:1 ,,http://b:2 ")
	want := []string{"http://a:1", "http://b:2"}
	if got := GetListEnv("RELAY_TEST_LIST_ENV", defaults); !slices.Equal(got, want) {
		t.Errorf("GetListEnv() = %v, want %v", got, want)
	}
}

func TestGetSecretFile(t *testing.T) {
	if result := GetSecretFile(""); result != "" {
		t.Errorf("Expected empty string for empty path, got %q", result)
	}

	if result := GetSecretFile("/nonexistent/path/to/secret"); result != "" {
		t.Errorf("Expected empty string for nonexistent file, got %q", result)
	}

	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("my-secret-value\n"), 0o600); err != nil {
		t.Fatalf("Failed to write secret: %v", err)
	}

	if result := GetSecretFile(path); result != "my-secret-value" {
		t.Errorf("Expected %q, got %q", "my-secret-value", result)
	}
}

func TestGetSecretEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_SECRET", "from-env")
	if result := GetSecretEnv("RELAY_TEST_SECRET"); result != "from-env" {
		t.Errorf("Expected %q, got %q", "from-env", result)
	}

	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("Failed to write secret: %v", err)
	}
	t.Setenv("RELAY_TEST_SECRET_FILE", path)
	if result := GetSecretEnv("RELAY_TEST_SECRET"); result != "from-file" {
		t.Errorf("Expected file to take precedence, got %q", result)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "RELAY_TEST_DOTENV_NEW=from-file\nRELAY_TEST_DOTENV_SET=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}

	t.Setenv("RELAY_TEST_DOTENV_SET", "from-process")
	t.Cleanup(func() { os.Unsetenv("RELAY_TEST_DOTENV_NEW") })

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}

	if got := os.Getenv("RELAY_TEST_DOTENV_NEW"); got != "from-file" {
		t.Errorf("Expected value from file, got %q", got)
	}
	if got := os.Getenv("RELAY_TEST_DOTENV_SET"); got != "from-process" {
		t.Errorf("Expected process value to win, got %q", got)
	}
}

func TestLoadGatewayConfig_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "ALLOWED_ORIGINS", "RELAY_COMPLETION_TIMEOUT", "MAX_PAYLOAD_BYTES", "STARTUP_TIMEOUT"} {
		t.Setenv(key, "")
	}

	cfg := LoadGatewayConfig()

	if cfg.Port != "8000" {
		t.Errorf("Expected port 8000, got %q", cfg.Port)
	}
	if cfg.CompletionTimeout != DefaultCompletionTimeout {
		t.Errorf("Expected completion timeout %v, got %v", DefaultCompletionTimeout, cfg.CompletionTimeout)
	}
	if !slices.Equal(cfg.AllowedOrigins, DefaultAllowedOrigins) {
		t.Errorf("Expected default origins, got %v", cfg.AllowedOrigins)
	}
	if cfg.MaxPayloadBytes != 20<<20 {
		t.Errorf("Expected 20MiB payload cap, got %d", cfg.MaxPayloadBytes)
	}
	if cfg.StartupTimeout != 30*time.Second {
		t.Errorf("Expected 30s startup timeout, got %v", cfg.StartupTimeout)
	}
}

func TestGetLogLevelEnv(t *testing.T) {
	tests := []struct {
		value string
		want  slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("RELAY_TEST_LOG_LEVEL", tt.value)
			if got := GetLogLevelEnv("RELAY_TEST_LOG_LEVEL", slog.LevelInfo); got != tt.want {
				t.Errorf("GetLogLevelEnv(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
