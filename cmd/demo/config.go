package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the demo CLI's YAML configuration. The core library itself
// takes functional config (SetMaxConcurrentTasks, ConfigureMemoryLimit,
// ConfigureThreadPool); only this binary reads a file and turns it into
// those calls.
type Config struct {
	Pool struct {
		NumThreads int `yaml:"num_threads"`
		StackSize  int `yaml:"stack_size"`
	} `yaml:"pool"`

	Admission struct {
		MaxConcurrent        int     `yaml:"max_concurrent"`
		MemoryLimitPercent   float64 `yaml:"memory_limit_percent"`
	} `yaml:"admission"`

	Shutdown struct {
		TimeoutSeconds int  `yaml:"timeout_seconds"`
		CancelPending  bool `yaml:"cancel_pending"`
	} `yaml:"shutdown"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Status struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"status"`
}

func (c *Config) shutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSeconds) * time.Second
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Admission.MaxConcurrent = 0
	cfg.Shutdown.TimeoutSeconds = 5
	cfg.Shutdown.CancelPending = true
	cfg.Metrics.Port = 9090
	cfg.Status.Port = 9091
	return &cfg
}
