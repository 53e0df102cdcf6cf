package database

import (
	"errors"
	"time"
)

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config holds durable store configuration
type Config struct {
	Driver          string        `koanf:"driver"`
	Path            string        `koanf:"path"`
	MaxConnections  int           `koanf:"max_connections"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	// WriteRetryDelay is the pause before the single retry of a failed write.
	WriteRetryDelay time.Duration `koanf:"write_retry_delay"`
	// WriteTimeout bounds how long a write may wait for the writer goroutine.
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// DefaultConfig returns the stock SQLite configuration
// FUNCTIONAL DISCOVERY: reads run concurrently through the pool while every
// write goes through one goroutine, so a small pool is enough
func DefaultConfig() *Config {
	return &Config{
		Driver:          DriverSQLite,
		Path:            "./data/huddle.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		WriteRetryDelay: 5 * time.Second,
		WriteTimeout:    30 * time.Second,
	}
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverSQLite:
	default:
		return errors.New("database driver must be 'sqlite' or 'memory'")
	}
	if c.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.WriteRetryDelay < 0 {
		return errors.New("write retry delay cannot be negative")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be greater than 0")
	}
	return nil
}

// DSN returns the go-sqlite3 connection string with WAL, busy timeout and foreign keys enabled.
func (c *Config) DSN() string {
	return c.Path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}
