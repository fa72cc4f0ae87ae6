// Package config loads server configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
//
// Required:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional:
//   - HTTP_ADDR: HTTP listen address (default ":8080").
//   - GRPC_ADDR: gRPC health listen address (default ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - STREAM_POLL_INTERVAL: event stream fallback poll interval (default "1s").
//   - MAX_JSON_BODY_SIZE: max request body in bytes (default 1048576).
//   - EVENT_BATCH_SIZE: max events returned per stream read (default 1000).
//   - AUTH_RATE_LIMIT: failed auth attempts per IP per minute (default 10).
//   - ENVIRONMENT_ENABLE_OVERRIDES: comma separated environments in which
//     new features start enabled.
//   - CONSTRAINT_VALUES_LIMIT: max constraint values per strategy (default 1000).
//   - EVENT_LISTENER_POOL_SIZE: concurrent event listener deliveries (default 8).
//   - ENVIRONMENT_CACHE_TTL: environment cache entry lifetime (default "30s").
//   - AUTO_MIGRATE: apply migrations on startup (default false).
//   - EVENT_HOOK_URL: http(s) URL that receives every stored event as JSON.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultHTTPAddr                    = ":8080"
	defaultGRPCAddr                    = ":9090"
	defaultLogLevel                    = "info"
	defaultStreamPollInterval          = time.Second
	defaultAuthRateLimit               = 10
	defaultMaxJSONBodySize       int64 = 1 << 20
	defaultEventBatchSize              = 1000
	defaultConstraintValuesLimit       = 1000
	defaultEventListenerPoolSize       = 8
	defaultEnvironmentCacheTTL         = 30 * time.Second
)

// Config holds the runtime configuration of the server.
type Config struct {
	DatabaseURL                string
	HTTPAddr                   string
	GRPCAddr                   string
	LogLevel                   string
	StreamPollInterval         time.Duration
	AuthRateLimit              int
	MaxJSONBodySize            int64
	EventBatchSize             int
	EnvironmentEnableOverrides []string
	ConstraintValuesLimit      int
	EventListenerPoolSize      int
	EnvironmentCacheTTL        time.Duration
	AutoMigrate                bool
	EventHookURL               string
}

// Load reads flagstaff.yaml from the working directory or /etc/flagstaff, if
// present, and then the environment.
func Load() (Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches the
// default locations and tolerates a missing file.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flagstaff")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/flagstaff")
	}
	v.AutomaticEnv()

	v.SetDefault("http_addr", defaultHTTPAddr)
	v.SetDefault("grpc_addr", defaultGRPCAddr)
	v.SetDefault("log_level", defaultLogLevel)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		DatabaseURL: value(v, "database_url"),
		HTTPAddr:    value(v, "http_addr"),
		GRPCAddr:    value(v, "grpc_addr"),
		LogLevel:    value(v, "log_level"),
		AutoMigrate: v.GetBool("auto_migrate"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	var err error
	if cfg.StreamPollInterval, err = positiveDuration(v, "stream_poll_interval", defaultStreamPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.EnvironmentCacheTTL, err = positiveDuration(v, "environment_cache_ttl", defaultEnvironmentCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.AuthRateLimit, err = positiveInt(v, "auth_rate_limit", defaultAuthRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.EventBatchSize, err = positiveInt(v, "event_batch_size", defaultEventBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.ConstraintValuesLimit, err = positiveInt(v, "constraint_values_limit", defaultConstraintValuesLimit); err != nil {
		return Config{}, err
	}
	if cfg.EventListenerPoolSize, err = positiveInt(v, "event_listener_pool_size", defaultEventListenerPoolSize); err != nil {
		return Config{}, err
	}

	cfg.MaxJSONBodySize = defaultMaxJSONBodySize
	if raw := value(v, "max_json_body_size"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		cfg.MaxJSONBodySize = n
	}

	if cfg.EventHookURL, err = hookURL(v, "event_hook_url"); err != nil {
		return Config{}, err
	}

	cfg.EnvironmentEnableOverrides = splitList(v, "environment_enable_overrides")
	return cfg, nil
}

func value(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func envName(key string) string {
	return strings.ToUpper(key)
}

func positiveDuration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := value(v, key)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", envName(key), err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", envName(key))
	}
	return parsed, nil
}

func positiveInt(v *viper.Viper, key string, fallback int) (int, error) {
	raw := value(v, key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", envName(key), err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", envName(key))
	}
	return n, nil
}

func hookURL(v *viper.Viper, key string) (string, error) {
	raw := value(v, key)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%s must be an absolute http(s) URL", envName(key))
	}
	return raw, nil
}

// splitList accepts a YAML list or a comma separated string.
func splitList(v *viper.Viper, key string) []string {
	var items []string
	if raw, ok := v.Get(key).(string); ok {
		items = strings.Split(raw, ",")
	} else {
		items = v.GetStringSlice(key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
