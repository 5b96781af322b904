package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config describes the run history database.
type Config struct {
	DSN string

	// Pool sizing. Zero values fall back to 25 open and 2 idle connections.
	MaxConns int32
	MinConns int32

	// MaxConnIdleTime closes connections idle for longer than this
	// (default 10m). Run history is written once per request, so most of
	// the pool sits idle between bursts.
	MaxConnIdleTime time.Duration

	MigrateOnStart bool
}

// poolConfig turns the settings into a pgxpool configuration.
func (c Config) poolConfig() (*pgxpool.Config, error) {
	if c.DSN == "" {
		return nil, errors.New("dsn is required")
	}
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	pc.MaxConns = c.MaxConns
	if pc.MaxConns <= 0 {
		pc.MaxConns = 25
	}
	pc.MinConns = min(max(c.MinConns, 0), pc.MaxConns)
	if c.MinConns == 0 {
		pc.MinConns = min(2, pc.MaxConns)
	}
	pc.MaxConnIdleTime = c.MaxConnIdleTime
	if pc.MaxConnIdleTime <= 0 {
		pc.MaxConnIdleTime = 10 * time.Minute
	}
	return pc, nil
}
