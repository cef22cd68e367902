package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StoreConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	JobTTLMinutes int    `mapstructure:"job_ttl_minutes"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type SandboxConfig struct {
	BaseURL               string  `mapstructure:"base_url"`
	RuntimesFile          string  `mapstructure:"runtimes_file"`
	MaxRequestsPerSecond  float64 `mapstructure:"max_requests_per_second"`
	CompileTimeoutSeconds int     `mapstructure:"compile_timeout_seconds"`
	RunTimeoutSeconds     int     `mapstructure:"run_timeout_seconds"`
	MemoryLimitMB         int     `mapstructure:"memory_limit_mb"`
}

type AdmissionConfig struct {
	MaxInflight           int  `mapstructure:"max_inflight"`
	DailyQuota            int  `mapstructure:"daily_quota"`
	IdempotencyTTLMinutes int  `mapstructure:"idempotency_ttl_minutes"`
	CacheTTLHours         int  `mapstructure:"cache_ttl_hours"`
	SemanticCache         bool `mapstructure:"semantic_cache"`
}

type BreakerConfig struct {
	ConsecutiveFailures int `mapstructure:"consecutive_failures"`
	OpenTimeoutSeconds  int `mapstructure:"open_timeout_seconds"`
}

type GenerationConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

type WorkerConfig struct {
	Count int `mapstructure:"count"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Generation GenerationConfig `mapstructure:"generation"`
	Worker     WorkerConfig     `mapstructure:"worker"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("capsule")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.capsule")

	home := os.Getenv("HOME")
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.data_dir", filepath.Join(home, ".capsule", "jobs"))
	v.SetDefault("store.job_ttl_minutes", 60)
	v.SetDefault("storage.db_path", filepath.Join(home, ".capsule", "capsule.db"))
	v.SetDefault("sandbox.base_url", "http://localhost:2000")
	v.SetDefault("sandbox.compile_timeout_seconds", 10)
	v.SetDefault("sandbox.run_timeout_seconds", 10)
	v.SetDefault("sandbox.memory_limit_mb", 256)
	v.SetDefault("admission.max_inflight", 100)
	v.SetDefault("admission.daily_quota", 200)
	v.SetDefault("admission.idempotency_ttl_minutes", 10)
	v.SetDefault("admission.cache_ttl_hours", 24)
	v.SetDefault("admission.semantic_cache", true)
	v.SetDefault("breaker.consecutive_failures", 5)
	v.SetDefault("breaker.open_timeout_seconds", 60)
	v.SetDefault("generation.model", "gpt-4o-mini")
	v.SetDefault("worker.count", 4)

	if err := v.ReadInConfig(); err != nil {
		// Defaults alone are a working configuration.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in the API key
	if strings.HasPrefix(cfg.Generation.APIKey, "${") && strings.HasSuffix(cfg.Generation.APIKey, "}") {
		envVar := cfg.Generation.APIKey[2 : len(cfg.Generation.APIKey)-1]
		cfg.Generation.APIKey = os.Getenv(envVar)
	}

	return &cfg, nil
}

// JobTTL returns the progress-store record lifetime.
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.Store.JobTTLMinutes) * time.Minute
}

// GenerationConfigured reports whether a generation backend is set up.
func (c *Config) GenerationConfigured() bool {
	return c.Generation.BaseURL != ""
}
