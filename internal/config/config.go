// Package config loads engine configuration from file, environment and
// defaults, in that order of precedence (highest last).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/loomctl/loom/pkg/types"
)

// Config is the full engine configuration. The mapstructure tags are used
// by viper, the validate tags by go-playground/validator.
type Config struct {
	// DataDir is the root for checkpoints, journals, locks and the DLQ.
	DataDir string `mapstructure:"data_dir" validate:"required"`
	// WorkspaceRoot is where isolated workspaces are materialized.
	WorkspaceRoot string `mapstructure:"workspace_root" validate:"required"`
	LogLevel      string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	// MetricsPort of 0 disables the /metrics endpoint.
	MetricsPort int `mapstructure:"metrics_port" validate:"gte=0,lte=65535"`
	// DLQCapacity bounds dead-lettered items per job.
	DLQCapacity int `mapstructure:"dlq_capacity" validate:"gte=1"`

	Job JobSettings `mapstructure:"job"`
}

// JobSettings configures how a single job runs.
type JobSettings struct {
	MaxParallel         int           `mapstructure:"max_parallel" validate:"gte=1"`
	ItemTimeout         time.Duration `mapstructure:"item_timeout" validate:"gt=0"`
	MapTimeout          time.Duration `mapstructure:"map_timeout" validate:"gte=0"`
	ReduceTimeout       time.Duration `mapstructure:"reduce_timeout" validate:"gte=0"`
	CheckpointRetention int           `mapstructure:"checkpoint_retention" validate:"gte=1"`
	// WorkspacePoolSize of 0 pre-warms one workspace per worker.
	WorkspacePoolSize int            `mapstructure:"workspace_pool_size" validate:"gte=0"`
	Policy            PolicySettings `mapstructure:"error_policy"`
}

// PolicySettings configures the error policy engine.
type PolicySettings struct {
	OnFailure            string        `mapstructure:"on_failure" validate:"oneof=dlq skip stop"`
	MaxAttempts          int           `mapstructure:"max_attempts" validate:"gte=1"`
	BackoffStrategy      string        `mapstructure:"backoff_strategy" validate:"oneof=fixed linear exponential fibonacci"`
	BackoffInitial       time.Duration `mapstructure:"backoff_initial" validate:"gt=0"`
	BackoffIncrement     time.Duration `mapstructure:"backoff_increment" validate:"gte=0"`
	BackoffMultiplier    float64       `mapstructure:"backoff_multiplier" validate:"gte=0"`
	BackoffMax           time.Duration `mapstructure:"backoff_max" validate:"gte=0"`
	BackoffJitter        bool          `mapstructure:"backoff_jitter"`
	FailureRateThreshold float64       `mapstructure:"failure_rate_threshold" validate:"gte=0,lte=1"`
	MaxFailures          int           `mapstructure:"max_failures" validate:"gte=0"`

	CircuitBreaker        bool          `mapstructure:"circuit_breaker"`
	BreakerFailures       int           `mapstructure:"breaker_failure_threshold" validate:"gte=1"`
	BreakerSuccesses      int           `mapstructure:"breaker_success_threshold" validate:"gte=1"`
	BreakerCooldown       time.Duration `mapstructure:"breaker_cooldown" validate:"gt=0"`
	BreakerHalfOpenProbes int           `mapstructure:"breaker_half_open_requests" validate:"gte=1"`
}

// Load reads configuration. path selects an explicit file; when empty, the
// loader looks for loom.yaml under ./configs and the working directory.
// Environment variables override file values with a LOOM_ prefix and
// underscores for nesting (LOOM_JOB_MAX_PARALLEL).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("loom")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file anywhere: defaults plus environment.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// JobConfig assembles the domain-facing job configuration.
func (c *Config) JobConfig() types.JobConfig {
	poolSize := c.Job.WorkspacePoolSize
	if poolSize == 0 {
		poolSize = c.Job.MaxParallel
	}

	p := c.Job.Policy
	ep := types.ErrorPolicy{
		OnFailure:   p.OnFailure,
		MaxAttempts: p.MaxAttempts,
		Backoff: types.BackoffConfig{
			Strategy:   p.BackoffStrategy,
			Initial:    p.BackoffInitial,
			Increment:  p.BackoffIncrement,
			Multiplier: p.BackoffMultiplier,
			Max:        p.BackoffMax,
			Jitter:     p.BackoffJitter,
		},
		FailureRateThreshold: p.FailureRateThreshold,
		MaxFailures:          p.MaxFailures,
	}
	if p.CircuitBreaker {
		ep.CircuitBreaker = &types.CircuitBreakerConfig{
			FailureThreshold: p.BreakerFailures,
			SuccessThreshold: p.BreakerSuccesses,
			Cooldown:         p.BreakerCooldown,
			HalfOpenRequests: p.BreakerHalfOpenProbes,
		}
	}

	return types.JobConfig{
		MaxParallel:         c.Job.MaxParallel,
		ItemTimeout:         c.Job.ItemTimeout,
		MapTimeout:          c.Job.MapTimeout,
		ReduceTimeout:       c.Job.ReduceTimeout,
		CheckpointRetention: c.Job.CheckpointRetention,
		WorkspacePoolSize:   poolSize,
		ErrorPolicy:         ep,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".loom")
	v.SetDefault("workspace_root", ".loom/workspaces")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_port", 0)
	v.SetDefault("dlq_capacity", 1000)

	v.SetDefault("job.max_parallel", 4)
	v.SetDefault("job.item_timeout", "10m")
	v.SetDefault("job.map_timeout", "0")
	v.SetDefault("job.reduce_timeout", "0")
	v.SetDefault("job.checkpoint_retention", 3)
	v.SetDefault("job.workspace_pool_size", 0)

	v.SetDefault("job.error_policy.on_failure", "dlq")
	v.SetDefault("job.error_policy.max_attempts", 3)
	v.SetDefault("job.error_policy.backoff_strategy", "exponential")
	v.SetDefault("job.error_policy.backoff_initial", "1s")
	v.SetDefault("job.error_policy.backoff_increment", "0")
	v.SetDefault("job.error_policy.backoff_multiplier", 2.0)
	v.SetDefault("job.error_policy.backoff_max", "1m")
	v.SetDefault("job.error_policy.backoff_jitter", false)
	v.SetDefault("job.error_policy.failure_rate_threshold", 0)
	v.SetDefault("job.error_policy.max_failures", 0)

	v.SetDefault("job.error_policy.circuit_breaker", false)
	v.SetDefault("job.error_policy.breaker_failure_threshold", 5)
	v.SetDefault("job.error_policy.breaker_success_threshold", 3)
	v.SetDefault("job.error_policy.breaker_cooldown", "30s")
	v.SetDefault("job.error_policy.breaker_half_open_requests", 3)
}
