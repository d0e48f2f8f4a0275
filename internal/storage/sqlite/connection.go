package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/common"
	_ "modernc.org/sqlite"
)

// SQLiteDB manages the SQLite database connection backing the store (C3).
type SQLiteDB struct {
	db     *sql.DB
	logger arbor.ILogger
	config *common.StorageConfig
}

// NewSQLiteDB opens the embedded relational store at config.DBPath, applying
// the pragmas the table in §3 relies on for single-writer consistency.
func NewSQLiteDB(logger arbor.ILogger, config *common.StorageConfig, environment string) (*SQLiteDB, error) {
	dir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if config.ResetOnStartup {
		if environment != "development" {
			logger.Warn().
				Str("environment", environment).
				Msg("reset_on_startup is enabled but environment is not 'development' - ignoring reset request for safety")
		} else {
			if err := resetDatabase(logger, config.DBPath); err != nil {
				return nil, fmt.Errorf("failed to reset database: %w", err)
			}
		}
	}

	if config.Backup {
		if err := backupDatabase(logger, config.DBPath); err != nil {
			logger.Warn().Err(err).Msg("Failed to back up database file before running")
		}
	}

	logger.Debug().Str("path", config.DBPath).Msg("Opening database connection")

	// modernc.org/sqlite uses "sqlite" driver name (not "sqlite3")
	db, err := sql.Open("sqlite", config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't handle concurrent writes well; the result consumer is
	// single-threaded (§4.2) so one connection is all the store ever needs.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteDB{
		db:     db,
		logger: logger,
		config: config,
	}

	if err := s.configure(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := s.InitSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", config.DBPath).Msg("SQLite database initialized")
	return s, nil
}

// configure sets up SQLite pragmas and settings.
func (s *SQLiteDB) configure() error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA cache_size = -%d", s.config.CacheSizeMB*1024), // negative for KB
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.config.BusyTimeoutMS),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}

	if s.config.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// DB returns the underlying database connection.
func (s *SQLiteDB) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BeginTx starts a new transaction. The Epoch Controller (C10) opens exactly
// one per stage (§4.10).
func (s *SQLiteDB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Ping verifies the database connection.
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// resetDatabase deletes the database file and its WAL/SHM siblings. Only
// ever invoked in development (guarded by the caller).
func resetDatabase(logger arbor.ILogger, dbPath string) error {
	logger.Warn().Str("path", dbPath).Msg("Resetting database (deleting all data)")

	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(p); err != nil {
			if !os.IsNotExist(err) {
				logger.Warn().Err(err).Str("path", p).Msg("Failed to delete database file")
			}
		}
	}

	return nil
}

// backupDatabase copies the store file (and its -wal/-shm siblings, if
// present) to a timestamped sibling path before the epoch runs (§6
// "backup (bool)"). Same directory housekeeping as resetDatabase, opposite
// direction: copy rather than delete.
func backupDatabase(logger arbor.ILogger, dbPath string) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")
	for _, suffix := range []string{"", "-wal", "-shm"} {
		src := dbPath + suffix
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dst := fmt.Sprintf("%s.%s.bak%s", dbPath, stamp, suffix)
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to back up %s: %w", src, err)
		}
		logger.Info().Str("src", src).Str("dst", dst).Msg("Backed up database file")
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
