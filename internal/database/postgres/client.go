// Package postgres stores the quote ledger: one row per mint quote issued for
// an accepted share, advanced to its final status by the poller.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DSN renders the lib/pq connection string
func (cfg *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode)
}

// NewClient opens and pings the database
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Schema creates the ledger table
const Schema = `
CREATE TABLE IF NOT EXISTS ehash_quotes (
	id              BIGSERIAL PRIMARY KEY,
	quote_id        TEXT        NOT NULL UNIQUE,
	share_hash      TEXT        NOT NULL,
	channel_id      BIGINT      NOT NULL,
	sequence_number BIGINT      NOT NULL,
	amount          NUMERIC(20) NOT NULL,
	status          TEXT        NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ehash_quotes_status_idx ON ehash_quotes (status, created_at);
CREATE INDEX IF NOT EXISTS ehash_quotes_channel_idx ON ehash_quotes (channel_id, created_at);`

// Migrate applies Schema
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for repositories
func (c *Client) DB() *sql.DB {
	return c.db
}
