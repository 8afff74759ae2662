// Package concurrency bounds parallel workflow branches and trips a circuit
// when downstream calls keep failing.
package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Environment variables read by LoadConfig
const (
	EnvMaxParallelBranches    = "HERMES_MAX_PARALLEL_BRANCHES"
	EnvBranchMultiplier       = "HERMES_BRANCH_MULTIPLIER"
	EnvBranchCircuitThreshold = "HERMES_BRANCH_CIRCUIT_THRESHOLD"
	EnvBranchCircuitReset     = "HERMES_BRANCH_CIRCUIT_RESET"
)

// Config sizes the branch limiter
type Config struct {
	MaxParallelBranches int
	CircuitThreshold    int64
	CircuitReset        time.Duration
	Source              ConfigSource
	IsKubernetes        bool
	EffectiveCPUs       int
}

// LoadConfig reads the limiter configuration: env vars first, then defaults
// derived from the CPU quota.
func LoadConfig() *Config {
	cfg := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
		Source:        ConfigSourceAutoDetect,
	}

	switch {
	case getEnvInt(EnvMaxParallelBranches, 0) > 0:
		cfg.MaxParallelBranches = getEnvInt(EnvMaxParallelBranches, 0)
		cfg.Source = ConfigSourceEnvVar
	case getEnvInt(EnvBranchMultiplier, 0) > 0:
		cfg.MaxParallelBranches = cfg.EffectiveCPUs * getEnvInt(EnvBranchMultiplier, 0)
		cfg.Source = ConfigSourceEnvVar
	default:
		cfg.MaxParallelBranches = defaultMaxParallel(cfg.IsKubernetes, cfg.EffectiveCPUs)
	}
	if cfg.MaxParallelBranches < 1 {
		cfg.MaxParallelBranches = 1
	}

	cfg.CircuitThreshold = int64(getEnvInt(EnvBranchCircuitThreshold, 100))
	cfg.CircuitReset = 30 * time.Second
	if v := os.Getenv(EnvBranchCircuitReset); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CircuitReset = d
		}
	}
	return cfg
}

// NewLimiter builds a limiter from the configuration
func (c *Config) NewLimiter() *Limiter {
	return NewLimiterWithCircuitBreaker(c.MaxParallelBranches, NewCircuitBreaker(c.CircuitThreshold, c.CircuitReset))
}

// Branches are I/O bound, so allow more than one per CPU.
func defaultMaxParallel(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 4
	}
	return cpus * 8
}

func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxParallelBranches: %d, CircuitThreshold: %d, CircuitReset: %s, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxParallelBranches,
		c.CircuitThreshold,
		c.CircuitReset,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
