// Package config loads service configuration from a YAML file, environment
// variables and defaults, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Storage
	StoreDriver string
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	LogLevel     string
	OTELEndpoint string
	// Fraction of root traces sampled, 0 to 1. An empty OTELEndpoint disables tracing.
	OTELSampleRatio float64

	// Shared secret for the /admin endpoints and genctl admin commands.
	InternalSecret string

	// RefundPolicy is "primary" or "tracked".
	RefundPolicy string

	// Credits charged for one image-to-video job.
	GenerationCost int64

	Upstream UpstreamConfig
	Poller   PollerConfig
	KeyPool  KeyPoolConfig
	Avatar   AvatarConfig
	Blob     BlobConfig

	// Redis URL for post-commit events. Empty logs events instead.
	RedisURL string
	// Concurrent post-commit event deliveries.
	NotifierConcurrency int

	// Per-user request rate on generation endpoints. 0 disables limiting.
	RateLimit      float64
	RateLimitBurst int
}

// UpstreamConfig describes the generative AI vendor endpoints.
type UpstreamConfig struct {
	BaseURL    string
	ImageModel string
	VideoModel string
	// APIKeys are the credential slots. The pool size is len(APIKeys).
	APIKeys []string
	Timeout time.Duration
}

// PollerConfig bounds the long-running operation driver loop.
type PollerConfig struct {
	InitialDelay    time.Duration
	Interval        time.Duration
	MaxAttempts     int
	MinPayloadBytes int
}

// KeyPoolConfig controls lease reaping.
type KeyPoolConfig struct {
	IdleTimeout    time.Duration
	ReaperInterval time.Duration
}

// AvatarConfig describes the supervised avatar sidecar.
type AvatarConfig struct {
	Enabled bool
	// Runtime is "exec" (child process), "docker" (container from Image) or
	// "kubernetes" (pod from Image in Namespace).
	Runtime            string
	Image              string
	Network            string
	Namespace          string
	ServiceAccount     string
	CPULimit           string
	MemoryLimit        string
	Binary             string
	Args               []string
	EnvAllowList       []string
	Env                map[string]string
	CrashThreshold     time.Duration
	CrashWindow        time.Duration
	MaxCrashes         int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	NormalRestartDelay time.Duration
	TerminationGrace   time.Duration
}

// BlobConfig selects the artifact store.
type BlobConfig struct {
	Driver        string
	LocalDir      string
	PublicBaseURL string
	S3Bucket      string
	S3Region      string
	S3Prefix      string
}

// Load reads configuration from the file at path (optional), environment
// variables and built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Flat environment names kept for deployment compatibility.
	bindings := map[string]string{
		"database_url":             "DATABASE_URL",
		"store_driver":             "STORE_DRIVER",
		"http_port":                "PORT",
		"log_level":                "LOG_LEVEL",
		"otel_endpoint":            "OTEL_EXPORTER_OTLP_ENDPOINT",
		"otel_sample_ratio":        "OTEL_TRACES_SAMPLER_ARG",
		"internal_secret":          "GENPLANE_INTERNAL_SECRET",
		"refund_policy":            "REFUND_POLICY",
		"generation_cost":          "GENERATION_COST",
		"redis_url":                "REDIS_URL",
		"upstream.base_url":        "UPSTREAM_BASE_URL",
		"upstream.api_keys":        "GENPLANE_API_KEYS",
		"avatar.binary":            "AVATAR_BINARY",
		"avatar.enabled":           "AVATAR_ENABLED",
		"avatar.runtime":           "AVATAR_RUNTIME",
		"avatar.image":             "AVATAR_IMAGE",
		"avatar.namespace":         "AVATAR_NAMESPACE",
		"blob.driver":              "BLOB_DRIVER",
		"blob.s3_bucket":           "BLOB_S3_BUCKET",
		"poller.max_attempts":      "POLLER_MAX_ATTEMPTS",
		"poller.interval":          "POLLER_INTERVAL",
		"rate_limit":               "RATE_LIMIT",
		"keypool.idle_timeout":     "KEYPOOL_IDLE_TIMEOUT",
		"keypool.reaper_interval":  "KEYPOOL_REAPER_INTERVAL",
		"notifier_concurrency":     "NOTIFIER_CONCURRENCY",
		"upstream.timeout":         "UPSTREAM_TIMEOUT",
		"avatar.crash_threshold":   "AVATAR_CRASH_THRESHOLD",
		"avatar.max_crashes":       "AVATAR_MAX_CRASHES",
		"blob.local_dir":           "BLOB_LOCAL_DIR",
		"blob.public_base_url":     "BLOB_PUBLIC_BASE_URL",
		"poller.min_payload_bytes": "POLLER_MIN_PAYLOAD_BYTES",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("genplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		StoreDriver:         strings.ToLower(v.GetString("store_driver")),
		DatabaseURL:         v.GetString("database_url"),
		HTTPPort:            v.GetInt("http_port"),
		LogLevel:            v.GetString("log_level"),
		OTELEndpoint:        v.GetString("otel_endpoint"),
		OTELSampleRatio:     v.GetFloat64("otel_sample_ratio"),
		InternalSecret:      v.GetString("internal_secret"),
		RefundPolicy:        strings.ToLower(v.GetString("refund_policy")),
		GenerationCost:      v.GetInt64("generation_cost"),
		RedisURL:            v.GetString("redis_url"),
		NotifierConcurrency: v.GetInt("notifier_concurrency"),
		RateLimit:           v.GetFloat64("rate_limit"),
		RateLimitBurst:      v.GetInt("rate_limit_burst"),
		Upstream: UpstreamConfig{
			BaseURL:    strings.TrimRight(v.GetString("upstream.base_url"), "/"),
			ImageModel: v.GetString("upstream.image_model"),
			VideoModel: v.GetString("upstream.video_model"),
			APIKeys:    stringList(v.Get("upstream.api_keys")),
			Timeout:    v.GetDuration("upstream.timeout"),
		},
		Poller: PollerConfig{
			InitialDelay:    v.GetDuration("poller.initial_delay"),
			Interval:        v.GetDuration("poller.interval"),
			MaxAttempts:     v.GetInt("poller.max_attempts"),
			MinPayloadBytes: v.GetInt("poller.min_payload_bytes"),
		},
		KeyPool: KeyPoolConfig{
			IdleTimeout:    v.GetDuration("keypool.idle_timeout"),
			ReaperInterval: v.GetDuration("keypool.reaper_interval"),
		},
		Avatar: AvatarConfig{
			Enabled:            v.GetBool("avatar.enabled"),
			Runtime:            strings.ToLower(v.GetString("avatar.runtime")),
			Image:              v.GetString("avatar.image"),
			Network:            v.GetString("avatar.network"),
			Namespace:          v.GetString("avatar.namespace"),
			ServiceAccount:     v.GetString("avatar.service_account"),
			CPULimit:           v.GetString("avatar.cpu_limit"),
			MemoryLimit:        v.GetString("avatar.memory_limit"),
			Binary:             v.GetString("avatar.binary"),
			Args:               stringList(v.Get("avatar.args")),
			EnvAllowList:       stringList(v.Get("avatar.env_allow_list")),
			Env:                v.GetStringMapString("avatar.env"),
			CrashThreshold:     v.GetDuration("avatar.crash_threshold"),
			CrashWindow:        v.GetDuration("avatar.crash_window"),
			MaxCrashes:         v.GetInt("avatar.max_crashes"),
			BaseBackoff:        v.GetDuration("avatar.base_backoff"),
			MaxBackoff:         v.GetDuration("avatar.max_backoff"),
			NormalRestartDelay: v.GetDuration("avatar.normal_restart_delay"),
			TerminationGrace:   v.GetDuration("avatar.termination_grace"),
		},
		Blob: BlobConfig{
			Driver:        strings.ToLower(v.GetString("blob.driver")),
			LocalDir:      v.GetString("blob.local_dir"),
			PublicBaseURL: strings.TrimRight(v.GetString("blob.public_base_url"), "/"),
			S3Bucket:      v.GetString("blob.s3_bucket"),
			S3Region:      v.GetString("blob.s3_region"),
			S3Prefix:      v.GetString("blob.s3_prefix"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store_driver", "postgres")
	v.SetDefault("http_port", 6161)
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("otel_sample_ratio", 1.0)
	v.SetDefault("refund_policy", "primary")
	v.SetDefault("generation_cost", 160)
	v.SetDefault("notifier_concurrency", 4)
	v.SetDefault("rate_limit", 2.0)
	v.SetDefault("rate_limit_burst", 5)

	v.SetDefault("upstream.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("upstream.image_model", "imagen-3.0-generate-002")
	v.SetDefault("upstream.video_model", "veo-2.0-generate-001")
	v.SetDefault("upstream.timeout", 60*time.Second)

	v.SetDefault("poller.initial_delay", 10*time.Second)
	v.SetDefault("poller.interval", 10*time.Second)
	v.SetDefault("poller.max_attempts", 60)
	v.SetDefault("poller.min_payload_bytes", 1024)

	v.SetDefault("keypool.idle_timeout", 30*time.Minute)
	v.SetDefault("keypool.reaper_interval", time.Minute)

	v.SetDefault("avatar.enabled", false)
	v.SetDefault("avatar.runtime", "exec")
	v.SetDefault("avatar.namespace", "default")
	v.SetDefault("avatar.cpu_limit", "1")
	v.SetDefault("avatar.memory_limit", "1Gi")
	v.SetDefault("avatar.env_allow_list", []string{"PATH", "HOME", "LANG"})
	v.SetDefault("avatar.crash_threshold", 60*time.Second)
	v.SetDefault("avatar.crash_window", 10*time.Minute)
	v.SetDefault("avatar.max_crashes", 3)
	v.SetDefault("avatar.base_backoff", time.Second)
	v.SetDefault("avatar.max_backoff", 30*time.Second)
	v.SetDefault("avatar.normal_restart_delay", 2*time.Second)
	v.SetDefault("avatar.termination_grace", time.Second)

	v.SetDefault("blob.driver", "local")
	v.SetDefault("blob.local_dir", "./data/blobs")
	v.SetDefault("blob.public_base_url", "http://localhost:6161/blobs")
	v.SetDefault("blob.s3_region", "us-east-1")
	v.SetDefault("blob.s3_prefix", "generations")
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required (env: DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store_driver %q: must be postgres or memory", c.StoreDriver)
	}

	switch c.RefundPolicy {
	case "primary", "tracked":
	default:
		return fmt.Errorf("invalid refund_policy %q: must be primary or tracked", c.RefundPolicy)
	}

	switch c.Blob.Driver {
	case "local":
	case "s3":
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("blob.s3_bucket is required when blob.driver is s3")
		}
	default:
		return fmt.Errorf("invalid blob.driver %q: must be local or s3", c.Blob.Driver)
	}

	if c.GenerationCost <= 0 {
		return fmt.Errorf("generation_cost must be positive, got %d", c.GenerationCost)
	}
	if c.Poller.MaxAttempts <= 0 {
		return fmt.Errorf("poller.max_attempts must be positive, got %d", c.Poller.MaxAttempts)
	}
	if c.KeyPool.IdleTimeout <= 0 {
		return fmt.Errorf("keypool.idle_timeout must be positive, got %s", c.KeyPool.IdleTimeout)
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		return fmt.Errorf("otel_sample_ratio must be between 0 and 1, got %g", c.OTELSampleRatio)
	}
	if c.KeyPool.ReaperInterval <= 0 {
		return fmt.Errorf("keypool.reaper_interval must be positive, got %s", c.KeyPool.ReaperInterval)
	}
	if c.Avatar.Enabled && c.Avatar.Binary == "" {
		return fmt.Errorf("avatar.binary is required when avatar.enabled is true")
	}
	switch c.Avatar.Runtime {
	case "exec":
	case "docker", "kubernetes":
		if c.Avatar.Enabled && c.Avatar.Image == "" {
			return fmt.Errorf("avatar.image is required when avatar.runtime is %s", c.Avatar.Runtime)
		}
	default:
		return fmt.Errorf("invalid avatar.runtime %q: must be exec, docker or kubernetes", c.Avatar.Runtime)
	}
	return nil
}

// stringList accepts a YAML list or a comma separated string (env vars).
func stringList(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case nil:
		return nil
	case string:
		parts = strings.Split(val, ",")
	case []string:
		parts = val
	case []any:
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
	default:
		parts = []string{fmt.Sprint(val)}
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
