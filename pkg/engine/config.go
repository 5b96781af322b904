package engine

import (
	"time"

	"github.com/rhuss/schaubild/pkg/sandbox"
)

// DefaultMaxRepairs is the repair budget when none is configured.
const DefaultMaxRepairs = 2

// Config holds configuration for the loop.
type Config struct {
	// MaxRepairs bounds the number of repair cycles, so a run performs at
	// most MaxRepairs+1 executions. Zero or negative means use the default
	// of 2. Requests may lower it to zero through Request.MaxRepairs.
	MaxRepairs int

	// GenerateTimeout bounds the CodeGenerator call. Defaults to 2m.
	GenerateTimeout time.Duration

	// RepairTimeout bounds each CodeRepairer call. Defaults to 2m.
	RepairTimeout time.Duration

	// ExecuteTimeout bounds each sandbox execution. Defaults to
	// sandbox.DefaultTimeout.
	ExecuteTimeout time.Duration

	// RetrieveTimeout bounds the optional context retrieval. Defaults to 10s.
	RetrieveTimeout time.Duration

	// StopOnRepeat ends the run as exhausted when a repair returns the
	// candidate it was asked to fix.
	StopOnRepeat bool
}

func (c Config) maxRepairs() int {
	if c.MaxRepairs <= 0 {
		return DefaultMaxRepairs
	}
	return c.MaxRepairs
}

func (c Config) generateTimeout() time.Duration {
	if c.GenerateTimeout <= 0 {
		return 2 * time.Minute
	}
	return c.GenerateTimeout
}

func (c Config) repairTimeout() time.Duration {
	if c.RepairTimeout <= 0 {
		return 2 * time.Minute
	}
	return c.RepairTimeout
}

func (c Config) executeTimeout() time.Duration {
	if c.ExecuteTimeout <= 0 {
		return sandbox.DefaultTimeout
	}
	return c.ExecuteTimeout
}

func (c Config) retrieveTimeout() time.Duration {
	if c.RetrieveTimeout <= 0 {
		return 10 * time.Second
	}
	return c.RetrieveTimeout
}
