package database

import (
	"fmt"
	"path/filepath"
	"time"
)

// FileName is the SQLite database inside the data directory.
const FileName = "drover.db"

// Config holds database configuration.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// DefaultConfig returns the configuration for a database under dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		Path:        filepath.Join(dataDir, FileName),
		BusyTimeout: 5 * time.Second,
	}
}

// DSN builds the sqlite3 connection string. WAL keeps readers from
// blocking the writer; foreign keys are enforced; timestamps are stored
// and read back in UTC.
func (c Config) DSN() string {
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on&_loc=UTC",
		c.Path, c.BusyTimeout.Milliseconds())
}
