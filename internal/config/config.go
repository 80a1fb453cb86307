package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage backends accepted by STORAGE_BACKEND
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageRedis  = "redis"
)

// Config holds application configuration
type Config struct {
	APIBaseURL      string
	APIPrefix       string
	RequestTimeout  time.Duration
	StorageBackend  string
	StateFile       string
	RedisURL        string
	RabbitMQURL     string
	MaxUploadBytes  int64
	ProgressTick    time.Duration
	ProgressStep    int
	ProgressCap     int
	SettleDelay     time.Duration
	BridgePort      string
	FrontendURL     string
	BridgeRateLimit string
	EnableHSTS      bool
	DebugMode       bool
	LogFormat       string
	OTELEnabled     bool
	OTELEndpoint    string
}

// lookupFunc resolves a configuration key; ok is false when the key is unset
type lookupFunc func(key string) (string, bool)

// Load loads configuration from the environment, an optional .env file in the
// working directory and an optional YAML file named by DERMIN_CONFIG.
// Environment variables win over the YAML file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	fileValues := map[string]string{}
	if path := os.Getenv("DERMIN_CONFIG"); path != "" {
		values, err := readYAML(path)
		if err != nil {
			return nil, err
		}
		fileValues = values
	}

	return load(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := fileValues[key]
		return v, ok && v != ""
	})
}

func load(lookup lookupFunc) (*Config, error) {
	src := source{lookup: lookup}
	cfg := &Config{
		APIBaseURL:      strings.TrimRight(src.getEnv("API_BASE_URL", "http://localhost:8000"), "/"),
		APIPrefix:       src.getEnv("API_PREFIX", "/api"),
		RequestTimeout:  src.getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		StorageBackend:  strings.ToLower(src.getEnv("STORAGE_BACKEND", StorageFile)),
		StateFile:       src.getEnv("STATE_FILE", defaultStateFile()),
		RedisURL:        src.getEnv("REDIS_URL", ""),
		RabbitMQURL:     src.getEnv("RABBITMQ_URL", ""),
		MaxUploadBytes:  int64(src.getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
		ProgressTick:    src.getEnvDuration("PROGRESS_TICK", 200*time.Millisecond),
		ProgressStep:    src.getEnvInt("PROGRESS_STEP", 10),
		ProgressCap:     src.getEnvInt("PROGRESS_CAP", 90),
		SettleDelay:     src.getEnvDuration("SETTLE_DELAY", 500*time.Millisecond),
		BridgePort:      src.getEnv("BRIDGE_PORT", "8787"),
		FrontendURL:     src.getEnv("FRONTEND_URL", "http://localhost:5173"),
		BridgeRateLimit: src.getEnv("BRIDGE_RATE_LIMIT", "20-S"),
		EnableHSTS:      src.getEnvBool("ENABLE_HSTS", false),
		DebugMode:       src.getEnvBool("DEBUG", false),
		LogFormat:       strings.ToLower(src.getEnv("LOG_FORMAT", "console")),
		OTELEnabled:     src.getEnvBool("OTEL_ENABLED", false),
		OTELEndpoint:    src.getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute URL, got %q", c.APIBaseURL)
	}
	if c.APIPrefix != "" && !strings.HasPrefix(c.APIPrefix, "/") {
		c.APIPrefix = "/" + c.APIPrefix
	}
	c.APIPrefix = strings.TrimRight(c.APIPrefix, "/")

	switch c.StorageBackend {
	case StorageMemory, StorageFile:
	case StorageRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORAGE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of memory, file, redis; got %q", c.StorageBackend)
	}
	if c.StorageBackend == StorageFile && c.StateFile == "" {
		return fmt.Errorf("STATE_FILE is required when STORAGE_BACKEND=file")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.ProgressCap <= 0 || c.ProgressCap >= 100 {
		return fmt.Errorf("PROGRESS_CAP must be between 1 and 99, got %d", c.ProgressCap)
	}
	if c.ProgressStep <= 0 {
		return fmt.Errorf("PROGRESS_STEP must be positive")
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	return nil
}

// APIURL returns the base URL joined with the API prefix
func (c *Config) APIURL() string {
	return c.APIBaseURL + c.APIPrefix
}

func readYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return values, nil
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dermin", "state.yaml")
}

type source struct {
	lookup lookupFunc
}

func (s source) getEnv(key, defaultValue string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return defaultValue
}

func (s source) getEnvBool(key string, defaultValue bool) bool {
	if value, ok := s.lookup(key); ok {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func (s source) getEnvInt(key string, defaultValue int) int {
	if value, ok := s.lookup(key); ok {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func (s source) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := s.lookup(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
