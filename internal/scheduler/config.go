// Package scheduler runs one monitoring pass over a list of clients with a
// bounded worker pool.
package scheduler

import (
	"fmt"
	"time"

	"github.com/fentz26/procmon/internal/models"
)

// Config defines the scheduler configuration.
type Config struct {
	// BatchSize is the number of clients processed per batch. Batches run
	// sequentially.
	BatchSize int `yaml:"batch_size" validate:"min=1,max=50"`
	// Concurrency is the worker pool size within a batch.
	Concurrency int `yaml:"concurrency" validate:"min=1,max=50"`
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries" validate:"min=0,max=10"`
	// Timeout bounds each individual lookup.
	Timeout time.Duration `yaml:"timeout"`
	// BaseDelay is the wait before the first retry; it doubles per retry.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:   10,
		Concurrency: 5,
		MaxRetries:  3,
		Timeout:     30 * time.Second,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
	}
}

// WithSettings returns a copy of c with the user-tunable fields taken from s.
func (c *Config) WithSettings(s models.Settings) *Config {
	out := *c
	out.BatchSize = s.BatchSize
	out.MaxRetries = s.MaxRetries
	out.Timeout = s.Timeout()
	return &out
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.BatchSize < 1 || c.BatchSize > 50 {
		return fmt.Errorf("batch_size must be between 1 and 50, got %d", c.BatchSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive")
	}
	return nil
}
