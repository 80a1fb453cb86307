package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mapLookup(values map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok && v != ""
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		envVars     map[string]string
		expectError bool
		validate    func(*testing.T, *Config)
	}{
		{
			name: "default values",
			envVars: map[string]string{
				"STATE_FILE": "/tmp/dermin-state.yaml",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.APIBaseURL != "http://localhost:8000" {
					t.Errorf("Expected default APIBaseURL, got '%s'", cfg.APIBaseURL)
				}
				if cfg.APIURL() != "http://localhost:8000/api" {
					t.Errorf("Expected APIURL 'http://localhost:8000/api', got '%s'", cfg.APIURL())
				}
				if cfg.RequestTimeout != 30*time.Second {
					t.Errorf("Expected default RequestTimeout 30s, got %v", cfg.RequestTimeout)
				}
				if cfg.StorageBackend != StorageFile {
					t.Errorf("Expected default storage backend 'file', got '%s'", cfg.StorageBackend)
				}
				if cfg.MaxUploadBytes != 10<<20 {
					t.Errorf("Expected default MaxUploadBytes 10MB, got %d", cfg.MaxUploadBytes)
				}
				if cfg.ProgressCap != 90 {
					t.Errorf("Expected default ProgressCap 90, got %d", cfg.ProgressCap)
				}
			},
		},
		{
			name: "overrides",
			envVars: map[string]string{
				"API_BASE_URL":    "https://api.dermin.example/",
				"API_PREFIX":      "v2",
				"REQUEST_TIMEOUT": "5s",
				"STORAGE_BACKEND": "memory",
				"DEBUG":           "1",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.APIURL() != "https://api.dermin.example/v2" {
					t.Errorf("Expected normalized API URL, got '%s'", cfg.APIURL())
				}
				if cfg.RequestTimeout != 5*time.Second {
					t.Errorf("Expected RequestTimeout 5s, got %v", cfg.RequestTimeout)
				}
				if !cfg.DebugMode {
					t.Error("Expected DebugMode to be true")
				}
			},
		},
		{
			name: "redis backend requires REDIS_URL",
			envVars: map[string]string{
				"STORAGE_BACKEND": "redis",
			},
			expectError: true,
		},
		{
			name: "unknown storage backend",
			envVars: map[string]string{
				"STORAGE_BACKEND": "sqlite",
			},
			expectError: true,
		},
		{
			name: "relative API base URL",
			envVars: map[string]string{
				"API_BASE_URL":    "localhost",
				"STORAGE_BACKEND": "memory",
			},
			expectError: true,
		},
		{
			name: "progress cap must stay below 100",
			envVars: map[string]string{
				"STORAGE_BACKEND": "memory",
				"PROGRESS_CAP":    "100",
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := load(mapLookup(tt.envVars))

			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

func TestSourceHelpers(t *testing.T) {
	t.Parallel()

	src := source{lookup: mapLookup(map[string]string{
		"BOOL_YES":  "yes",
		"BOOL_NO":   "false",
		"INT_OK":    "42",
		"INT_BAD":   "forty-two",
		"DUR_OK":    "250ms",
		"DUR_BAD":   "soon",
		"STRING_OK": "value",
	})}

	if got := src.getEnv("STRING_OK", "default"); got != "value" {
		t.Errorf("getEnv = %s, want value", got)
	}
	if got := src.getEnv("MISSING", "default"); got != "default" {
		t.Errorf("getEnv = %s, want default", got)
	}
	if !src.getEnvBool("BOOL_YES", false) {
		t.Error("Expected 'yes' to parse as true")
	}
	if src.getEnvBool("BOOL_NO", true) {
		t.Error("Expected 'false' to parse as false")
	}
	if got := src.getEnvInt("INT_OK", 0); got != 42 {
		t.Errorf("getEnvInt = %d, want 42", got)
	}
	if got := src.getEnvInt("INT_BAD", 7); got != 7 {
		t.Errorf("getEnvInt with bad value = %d, want default 7", got)
	}
	if got := src.getEnvDuration("DUR_OK", time.Second); got != 250*time.Millisecond {
		t.Errorf("getEnvDuration = %v, want 250ms", got)
	}
	if got := src.getEnvDuration("DUR_BAD", time.Second); got != time.Second {
		t.Errorf("getEnvDuration with bad value = %v, want default 1s", got)
	}
}

func TestReadYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dermin.yaml")
	content := "api_base_url: https://api.example.com\nprogress_step: 5\ndebug: true\nempty:\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	values, err := readYAML(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if values["API_BASE_URL"] != "https://api.example.com" {
		t.Errorf("Expected API_BASE_URL from file, got %q", values["API_BASE_URL"])
	}
	if values["PROGRESS_STEP"] != "5" {
		t.Errorf("Expected PROGRESS_STEP '5', got %q", values["PROGRESS_STEP"])
	}
	if values["DEBUG"] != "true" {
		t.Errorf("Expected DEBUG 'true', got %q", values["DEBUG"])
	}
	if _, ok := values["EMPTY"]; ok {
		t.Error("Expected null values to be skipped")
	}
}
