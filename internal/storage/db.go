package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Config selects and locates the local store.
type Config struct {
	Driver   string `mapstructure:"driver"` // "sqlite" | "mysql" | "postgres"
	Path     string `mapstructure:"path"`   // sqlite file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DB wraps the relational store holding synced tables and run history.
type DB struct {
	conn    *sql.DB
	dialect Dialect
	log     *zap.SugaredLogger
}

// Open opens (or creates) the store described by cfg and applies the
// bookkeeping migrations.
func Open(cfg Config, log *zap.SugaredLogger) (*DB, error) {
	d, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dsn, err := buildDSN(d, cfg)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", d.Name())
	}
	if d.Name() == "sqlite" {
		// SQLite only supports one writer; a single connection avoids SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(5)
		conn.SetMaxIdleConns(2)
		conn.SetConnMaxLifetime(10 * time.Minute)
	}

	db := OpenConn(conn, d, log)
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return db, nil
}

// OpenConn wraps an existing connection without running migrations.
func OpenConn(conn *sql.DB, d Dialect, log *zap.SugaredLogger) *DB {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &DB{conn: conn, dialect: d, log: log}
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ready verifies the store is reachable and the bookkeeping tables exist.
func (db *DB) Ready(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return wrap("ping", "", err)
	}
	return wrap("migrate", "", db.migrate(ctx))
}

func buildDSN(d Dialect, cfg Config) (string, error) {
	switch d.Name() {
	case "sqlite":
		return buildSQLiteDSN(cfg)
	case "mysql":
		return buildMySQLDSN(cfg), nil
	case "postgres":
		return buildPostgresDSN(cfg), nil
	}
	return "", errors.Newf("no dsn builder for %s", d.Name())
}

func buildSQLiteDSN(cfg Config) (string, error) {
	if cfg.Path == "" {
		return "", errors.New("storage path is required for sqlite")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return "", errors.Wrap(err, "create db directory")
		}
	}
	return "file:" + cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
}

// buildMySQLDSN formats user:password@tcp(host:port)/dbname?parseTime=true.
func buildMySQLDSN(cfg Config) string {
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		cfg.Username, cfg.Password, cfg.Host, port, cfg.Database,
	)
	if cfg.SSLMode == "require" {
		dsn += "&tls=true"
	}
	return dsn
}

func buildPostgresDSN(cfg Config) string {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, port, cfg.Username, cfg.Password, cfg.Database, sslMode,
	)
}

func (db *DB) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id VARCHAR(36) PRIMARY KEY,
			trigger_type VARCHAR(32) NOT NULL,
			started_at VARCHAR(40) NOT NULL,
			finished_at VARCHAR(40),
			status VARCHAR(16) NOT NULL,
			total INTEGER NOT NULL DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sync_run_results (
			id VARCHAR(36) PRIMARY KEY,
			run_id VARCHAR(36) NOT NULL,
			seq INTEGER NOT NULL,
			source_name VARCHAR(128) NOT NULL,
			success INTEGER NOT NULL,
			record_count INTEGER,
			error TEXT,
			duration_ms BIGINT
		)`,
		`CREATE INDEX idx_sync_run_results_run ON sync_run_results(run_id)`,
	}

	for _, m := range migrations {
		if _, err := db.conn.ExecContext(ctx, m); err != nil {
			// Index creation is not idempotent on every engine.
			if strings.HasPrefix(m, "CREATE INDEX") && isDuplicateIndex(err) {
				continue
			}
			return errors.Wrapf(err, "migration failed: %s", m[:40])
		}
	}
	return nil
}

func isDuplicateIndex(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate key name")
}
