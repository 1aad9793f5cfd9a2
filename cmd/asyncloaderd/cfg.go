package main

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/gustrain/asyncloader"
	"github.com/gustrain/asyncloader/internal/logging"
)

// Config is the daemon's top-level configuration.
type Config struct {
	// Region is the shared-memory segment name the loader creates and
	// workers attach to.
	Region string `yaml:"region"`
	// QueueDepth is the per-worker slot count.
	QueueDepth uint32 `yaml:"queue_depth"`
	// NWorkers is the number of worker contexts the region reserves.
	NWorkers uint32 `yaml:"n_workers"`
	// MaxFileSize is the per-slot buffer capacity, e.g. "1MB".
	MaxFileSize datasize.ByteSize `yaml:"max_file_size"`
	// MinDispatchN is the minimum batch size before an immediate
	// submit; <= 0 disables batching.
	MinDispatchN int32 `yaml:"min_dispatch_n"`
	// MaxIdleIters bounds how long an undersized batch waits before
	// being flushed anyway.
	MaxIdleIters uint32 `yaml:"max_idle_iters"`

	// Logging configures the daemon's logger.
	Logging logging.Config `yaml:"logging"`
}

// DefaultConfig returns the daemon's default configuration.
func DefaultConfig() *Config {
	lcfg := asyncloader.DefaultConfig()
	return &Config{
		Region:       "asyncloader",
		QueueDepth:   lcfg.QueueDepth,
		NWorkers:     lcfg.NWorkers,
		MaxFileSize:  datasize.ByteSize(lcfg.MaxFileSize),
		MinDispatchN: lcfg.MinDispatchN,
		MaxIdleIters: lcfg.MaxIdleIters,
		Logging: logging.Config{
			Level: -1, // zapcore.DebugLevel, spelled out to avoid importing zapcore here
		},
	}
}

// LoadConfig loads the daemon's configuration from a YAML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}

// loaderConfig projects the daemon config down to asyncloader.Config.
func (c *Config) loaderConfig() asyncloader.Config {
	return asyncloader.Config{
		QueueDepth:   c.QueueDepth,
		NWorkers:     c.NWorkers,
		MaxFileSize:  uint32(c.MaxFileSize.Bytes()),
		MinDispatchN: c.MinDispatchN,
		MaxIdleIters: c.MaxIdleIters,
	}
}
