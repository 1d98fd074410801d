// Package postgres provides Postgres-backed persistence for visit results.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cookiescope/consent-crawler/internal/consent"
)

// ResultStoreConfig controls the Postgres connection pool for visit results.
type ResultStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ResultStore writes visit results, their consent records, and their
// observed cookies into Postgres. It satisfies the orchestrator's result
// sink.
type ResultStore struct {
	pool execCloser
}

// NewResultStore creates a Postgres-backed ResultStore using the provided
// config.
func NewResultStore(ctx context.Context, cfg ResultStoreConfig) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ResultStore{pool: pool}, nil
}

// NewResultStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewResultStoreWithPool(pool execCloser) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ResultStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const insertVisitSQL = `
INSERT INTO visits (
	id,
	target_url,
	cmp_type,
	crawl_state,
	report,
	recorded_at
) VALUES ($1,$2,$3,$4,$5,$6)`

const insertConsentRecordSQL = `
INSERT INTO consent_records (
	visit_id,
	name,
	domain,
	category,
	category_name,
	purpose,
	expiry,
	type_name,
	type_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

const insertObservedCookieSQL = `
INSERT INTO observed_cookies (
	visit_id,
	name,
	value,
	path,
	domain,
	secure,
	http_only,
	expires,
	same_site
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

// Append stores one visit result with all of its child rows.
func (s *ResultStore) Append(ctx context.Context, result consent.VisitResult) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	if result.VisitID == "" {
		return fmt.Errorf("visit id is required")
	}

	if _, err := s.pool.Exec(ctx, insertVisitSQL,
		result.VisitID,
		result.TargetURL,
		string(result.CMPType),
		string(result.CrawlState),
		result.Report,
		time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}

	for _, rec := range result.ConsentRecords {
		if _, err := s.pool.Exec(ctx, insertConsentRecordSQL,
			result.VisitID,
			rec.Name,
			rec.Domain,
			string(rec.Category),
			rec.CategoryName,
			rec.Purpose,
			rec.Expiry,
			rec.TypeName,
			rec.TypeID,
		); err != nil {
			return fmt.Errorf("insert consent record %q: %w", rec.Name, err)
		}
	}

	for _, c := range result.ObservedCookies {
		if _, err := s.pool.Exec(ctx, insertObservedCookieSQL,
			result.VisitID,
			c.Name,
			c.Value,
			c.Path,
			c.Domain,
			c.Secure,
			c.HTTPOnly,
			c.Expires,
			c.SameSite,
		); err != nil {
			return fmt.Errorf("insert observed cookie %q: %w", c.Name, err)
		}
	}
	return nil
}
