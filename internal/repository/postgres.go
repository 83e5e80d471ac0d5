package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/llmgate/keygateway/internal/taxonomy"
)

// PostgresConfig contains PostgreSQL connection settings, normally sourced
// from DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/DB_NAME via ${VAR} expansion in
// providers.yaml.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig returns sensible defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		Database:        "keygateway",
		SSLMode:         "disable",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Postgres implements Repository against the `keys` table described in the
// external interfaces section: PRIMARY KEY(provider, key_hash, model).
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool and verifies connectivity.
func NewPostgres(cfg *PostgresConfig) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// Ping checks database connectivity, scoped to a single operation.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) ListEligible(ctx context.Context, provider, resolvedModel string, now time.Time) ([]KeyRow, error) {
	const q = `
SELECT provider, key_hash, key_secret, model, status, reason, penalty_until, last_checked_at
FROM keys
WHERE provider = $1 AND model = $2 AND status != $3 AND (penalty_until IS NULL OR penalty_until <= $4)`

	rows, err := p.db.QueryContext(ctx, q, provider, resolvedModel, StatusInvalid, now)
	if err != nil {
		return nil, fmt.Errorf("list eligible keys: %w", err)
	}
	defer rows.Close()
	return scanKeyRows(rows)
}

func (p *Postgres) ListAll(ctx context.Context, provider, resolvedModel string) ([]KeyRow, error) {
	const q = `
SELECT provider, key_hash, key_secret, model, status, reason, penalty_until, last_checked_at
FROM keys
WHERE provider = $1 AND model = $2`

	rows, err := p.db.QueryContext(ctx, q, provider, resolvedModel)
	if err != nil {
		return nil, fmt.Errorf("list all keys: %w", err)
	}
	defer rows.Close()
	return scanKeyRows(rows)
}

func (p *Postgres) UpdateKeyStatus(ctx context.Context, provider, keyHash, resolvedModel string, status Status, reason *taxonomy.ErrorReason, penaltyUntil *time.Time) error {
	const q = `
INSERT INTO keys (provider, key_hash, model, status, reason, penalty_until, last_checked_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (provider, key_hash, model)
DO UPDATE SET status = EXCLUDED.status, reason = EXCLUDED.reason,
              penalty_until = EXCLUDED.penalty_until, last_checked_at = EXCLUDED.last_checked_at
WHERE keys.last_checked_at IS NULL OR keys.last_checked_at <= EXCLUDED.last_checked_at`

	var reasonStr *string
	if reason != nil {
		s := string(*reason)
		reasonStr = &s
	}
	_, err := p.db.ExecContext(ctx, q, provider, keyHash, resolvedModel, status, reasonStr, penaltyUntil)
	if err != nil {
		return fmt.Errorf("update key status: %w", err)
	}
	return nil
}

func (p *Postgres) TouchChecked(ctx context.Context, provider, keyHash, resolvedModel string, now time.Time) error {
	const q = `UPDATE keys SET last_checked_at = $4 WHERE provider = $1 AND key_hash = $2 AND model = $3 AND (last_checked_at IS NULL OR last_checked_at <= $4)`
	_, err := p.db.ExecContext(ctx, q, provider, keyHash, resolvedModel, now)
	if err != nil {
		return fmt.Errorf("touch checked: %w", err)
	}
	return nil
}

func scanKeyRows(rows *sql.Rows) ([]KeyRow, error) {
	var out []KeyRow
	for rows.Next() {
		var (
			row          KeyRow
			status       string
			reason       sql.NullString
			penaltyUntil sql.NullTime
			lastChecked  sql.NullTime
			keySecret    sql.NullString
		)
		if err := rows.Scan(&row.Provider, &row.KeyHash, &keySecret, &row.Model, &status, &reason, &penaltyUntil, &lastChecked); err != nil {
			return nil, fmt.Errorf("scan key row: %w", err)
		}
		row.Status = Status(status)
		row.KeySecret = keySecret.String
		if reason.Valid {
			r := taxonomy.ErrorReason(reason.String)
			row.Reason = &r
		}
		if penaltyUntil.Valid {
			row.PenaltyUntil = &penaltyUntil.Time
		}
		if lastChecked.Valid {
			row.LastCheckedAt = &lastChecked.Time
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key rows: %w", err)
	}
	return out, nil
}

var errNoRows = errors.New("repository: no matching row")
