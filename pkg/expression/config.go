package expression

import (
	"fmt"
	"time"
)

// Security levels applied to every pooled VM
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

// Config controls expression evaluation
type Config struct {
	// Timeout bounds a single evaluation
	Timeout time.Duration `mapstructure:"timeout"`

	// SecurityLevel defines sandbox restrictions (strict, standard, permissive)
	SecurityLevel string `mapstructure:"security_level"`

	// MaxStackDepth is the maximum JS call stack size
	MaxStackDepth int `mapstructure:"max_stack_depth"`

	// Pool sizes the VM pool
	Pool PoolConfig `mapstructure:"pool"`
}

// DefaultConfig returns the default evaluation settings
func DefaultConfig() Config {
	c := Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults sets default values for unset fields
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.SecurityLevel == "" {
		c.SecurityLevel = SecurityLevelStandard
	}
	if c.MaxStackDepth == 0 {
		c.MaxStackDepth = 100
	}
	c.Pool.applyDefaults()
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.SecurityLevel != SecurityLevelStrict &&
		c.SecurityLevel != SecurityLevelStandard &&
		c.SecurityLevel != SecurityLevelPermissive {
		return fmt.Errorf("invalid security level: %s", c.SecurityLevel)
	}
	if c.MaxStackDepth <= 0 {
		return fmt.Errorf("max_stack_depth must be positive")
	}
	return nil
}
