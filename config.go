package poolchain

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by LoadConfig, e.g. POOLCHAIN_THREAD_WORKERS.
const EnvPrefix = "POOLCHAIN"

// Config holds the pool provider defaults.
type Config struct {
	// ThreadWorkers is the size of thread pools whose stage does not set MaxWorkers.
	ThreadWorkers int `yaml:"thread_workers" mapstructure:"thread_workers" validate:"gte=0"`
	// ProcessWorkers is the number of worker processes of process pools whose stage does not
	// set MaxWorkers.
	ProcessWorkers int `yaml:"process_workers" mapstructure:"process_workers" validate:"gte=0"`
	// PrefetchFactor bounds how many items per worker a stage dispatches ahead of its consumer.
	PrefetchFactor int `yaml:"prefetch_factor" mapstructure:"prefetch_factor" validate:"gte=0"`
	// WorkerExecutable is the binary started for worker processes. Empty means os.Executable.
	WorkerExecutable string `yaml:"worker_executable" mapstructure:"worker_executable"`
	// WorkerStartTimeout bounds the worker process handshake.
	WorkerStartTimeout time.Duration `yaml:"worker_start_timeout" mapstructure:"worker_start_timeout" validate:"gte=0"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.ThreadWorkers == 0 {
		c.ThreadWorkers = min(32, runtime.NumCPU()+4)
	}
	if c.ProcessWorkers == 0 {
		c.ProcessWorkers = runtime.NumCPU()
	}
	if c.PrefetchFactor == 0 {
		c.PrefetchFactor = 2
	}
	if c.WorkerStartTimeout == 0 {
		c.WorkerStartTimeout = 10 * time.Second
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	return validateStruct(c)
}

// LoadConfig reads the configuration from an optional file (any format viper understands) and
// from POOLCHAIN_* environment variables, which take precedence. Defaults are applied.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultConfig()
	v.SetDefault("thread_workers", defaults.ThreadWorkers)
	v.SetDefault("process_workers", defaults.ProcessWorkers)
	v.SetDefault("prefetch_factor", defaults.PrefetchFactor)
	v.SetDefault("worker_executable", defaults.WorkerExecutable)
	v.SetDefault("worker_start_timeout", defaults.WorkerStartTimeout)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read poolchain config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode poolchain config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}
