// Package config loads procpool's runtime configuration from flags, the
// environment and an optional YAML config file.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nixpig/procpool/internal/jobmanager/cgroups"
)

// EnvPrefix prefixes every environment variable read by Load, e.g.
// PROCPOOL_WORKERS or PROCPOOL_RETRY_MAX_ATTEMPTS.
const EnvPrefix = "PROCPOOL"

// Config is the merged runtime configuration.
type Config struct {
	Manifest string `mapstructure:"manifest"`

	// Workers bounds the worker processes. Non-positive uses the default.
	Workers int           `mapstructure:"workers"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Follow  bool          `mapstructure:"follow"`

	Retry RetryConfig `mapstructure:"retry"`
	Spawn SpawnConfig `mapstructure:"spawn"`

	Cgroup CgroupConfig `mapstructure:"cgroup"`

	Debug        bool   `mapstructure:"debug"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" validate:"omitempty,hostname_port"`
	DebugAddr    string `mapstructure:"debug_addr"`
}

type RetryConfig struct {
	// MaxAttempts per chunk. Negative retries forever, zero uses the default.
	MaxAttempts     int           `mapstructure:"max_attempts"     validate:"gte=-1"`
	InitialInterval time.Duration `mapstructure:"initial_interval" validate:"gte=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval"     validate:"gte=0"`
}

type SpawnConfig struct {
	Rate  float64 `mapstructure:"rate"  validate:"gte=0"`
	Burst int     `mapstructure:"burst" validate:"gte=0"`
}

type CgroupConfig struct {
	Root           string `mapstructure:"root"`
	CPUMaxPercent  int64  `mapstructure:"cpu_max"    validate:"gte=0,lte=100"`
	MemoryMaxBytes int64  `mapstructure:"memory_max" validate:"gte=0"`
	IOMaxBPS       int64  `mapstructure:"io_max"     validate:"gte=0"`
}

// Limits returns the configured cgroup limits, or nil if none are set.
func (c CgroupConfig) Limits() *cgroups.ResourceLimits {
	l := &cgroups.ResourceLimits{
		CPUMaxPercent:  c.CPUMaxPercent,
		MemoryMaxBytes: c.MemoryMaxBytes,
		IOMaxBPS:       c.IOMaxBPS,
	}

	if l.IsZero() {
		return nil
	}

	return l
}

// flagKeys maps command line flags to config keys. Flags not listed here use
// their own name as the key.
var flagKeys = map[string]string{
	"max-spawn-attempts": "retry.max_attempts",
	"spawn-rate":         "spawn.rate",
	"spawn-burst":        "spawn.burst",
	"cgroup-root":        "cgroup.root",
	"cpu-max":            "cgroup.cpu_max",
	"memory-max":         "cgroup.memory_max",
	"io-max":             "cgroup.io_max",
	"otlp-endpoint":      "otlp_endpoint",
	"debug-addr":         "debug_addr",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("manifest", "")
	v.SetDefault("workers", 0)
	v.SetDefault("timeout", time.Duration(0))
	v.SetDefault("follow", false)

	v.SetDefault("retry.max_attempts", 0)
	v.SetDefault("retry.initial_interval", time.Duration(0))
	v.SetDefault("retry.max_interval", time.Duration(0))

	v.SetDefault("spawn.rate", 0.0)
	v.SetDefault("spawn.burst", 0)

	v.SetDefault("cgroup.root", cgroups.DefaultRoot)
	v.SetDefault("cgroup.cpu_max", 0)
	v.SetDefault("cgroup.memory_max", 0)
	v.SetDefault("cgroup.io_max", 0)

	v.SetDefault("debug", false)
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("debug_addr", "")
}

// Load merges, in order of precedence, flags that were set, PROCPOOL_*
// environment variables, the YAML file at path (if not empty) and defaults.
// flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error

		flags.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok {
				key = f.Name
			}

			// Flags such as --config or --help aren't config keys.
			if !isKnownKey(v, key) {
				return
			}

			if err := v.BindPFlag(key, f); err != nil {
				bindErr = errors.Join(bindErr, err)
			}
		})

		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func isKnownKey(v *viper.Viper, key string) bool {
	return slices.Contains(v.AllKeys(), key)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the Config's field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf(
					"%s: failed '%s' constraint (value %v)",
					fe.Namespace(),
					fe.Tag(),
					fe.Value(),
				))
			}

			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}

		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Retry.MaxInterval > 0 && c.Retry.MaxInterval < c.Retry.InitialInterval {
		return errors.New("invalid config: retry.max_interval is less than retry.initial_interval")
	}

	return nil
}
