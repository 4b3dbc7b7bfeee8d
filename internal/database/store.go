package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/latticehq/tenantgate/internal/gateway"
)

type projectCacheEntry struct {
	project  gateway.Project
	cachedAt time.Time
}

// Store is the pgx-backed persistence layer behind the gateway components:
// identity, projects (with a short TTL cache), membership, the tenancy
// registry and usage aggregates.
type Store struct {
	pool *pgxpool.Pool

	cacheTTL     time.Duration
	mu           sync.RWMutex
	projectCache map[int64]*projectCacheEntry
}

func NewStore(pool *pgxpool.Pool, cacheTTL time.Duration) *Store {
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	return &Store{
		pool:         pool,
		cacheTTL:     cacheTTL,
		projectCache: make(map[int64]*projectCacheEntry),
	}
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// ---------- gateway.IdentityStore ----------

func (s *Store) APIKeyByHash(ctx context.Context, keyHash string) (*gateway.APIKey, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, key_type, active
		FROM api_keys
		WHERE key_hash = $1
	`, keyHash)

	var key gateway.APIKey
	err := row.Scan(&key.ID, &key.ProjectID, &key.KeyType, &key.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	return &key, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (string, bool, error) {
	var userID string
	var isAdmin bool
	err := s.pool.QueryRow(ctx, `SELECT id, is_admin FROM users WHERE email = $1`, email).Scan(&userID, &isAdmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("scan user: %w", err)
	}
	return userID, isAdmin, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, keyID string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, keyID); err != nil {
		slog.Debug("API key touch failed", "error", err)
	}
}

// ---------- gateway.ProjectStore ----------

// Project looks up a project by ID with a short TTL cache, so the guard does
// not hit the database on every request for hot projects.
func (s *Store) Project(ctx context.Context, projectID int64) (*gateway.Project, error) {
	s.mu.RLock()
	cached, ok := s.projectCache[projectID]
	s.mu.RUnlock()

	if ok && time.Since(cached.cachedAt) < s.cacheTTL {
		p := cached.project
		return &p, nil
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, slug, status
		FROM projects
		WHERE id = $1
	`, projectID)

	var p gateway.Project
	err := row.Scan(&p.ID, &p.OrgID, &p.Slug, &p.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}

	s.mu.Lock()
	s.projectCache[projectID] = &projectCacheEntry{project: p, cachedAt: time.Now()}
	s.mu.Unlock()

	return &p, nil
}

// InvalidateProject removes a project from the cache.
func (s *Store) InvalidateProject(projectID int64) {
	s.mu.Lock()
	delete(s.projectCache, projectID)
	s.mu.Unlock()
}

// ---------- gateway.MembershipStore ----------

// IsMember reports whether the user owns the project's org or holds a
// project_users row. A single indexed query keeps the guard on the fast path.
func (s *Store) IsMember(ctx context.Context, userID string, projectID int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM projects p
			JOIN organizations o ON o.id = p.org_id
			WHERE p.id = $1 AND o.owner_id = $2
		) OR EXISTS(
			SELECT 1 FROM project_users pu
			WHERE pu.project_id = $1 AND pu.user_id = $2
		)
	`, projectID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("membership query: %w", err)
	}
	return ok, nil
}

// ---------- gateway.RegistryStore ----------

func (s *Store) RegisteredOwner(ctx context.Context, tableName string) (int64, bool, error) {
	var projectID int64
	err := s.pool.QueryRow(ctx, `SELECT project_id FROM table_registry WHERE table_name = $1`, tableName).Scan(&projectID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("registry query: %w", err)
	}
	return projectID, true, nil
}

func (s *Store) TableExists(ctx context.Context, schema, tableName string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)
	`, schema, tableName).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("table existence query: %w", err)
	}
	return ok, nil
}

func (s *Store) HasProjectIDColumn(ctx context.Context, schema, tableName string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = $1 AND table_name = $2 AND column_name = 'project_id'
		)
	`, schema, tableName).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("column query: %w", err)
	}
	return ok, nil
}

func (s *Store) TablesInSchema(ctx context.Context, schema string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`, schema)
	if err != nil {
		return nil, fmt.Errorf("schema tables query: %w", err)
	}
	return collectStrings(rows)
}

func (s *Store) RegisteredTables(ctx context.Context, projectID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_name FROM table_registry WHERE project_id = $1 ORDER BY table_name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("registered tables query: %w", err)
	}
	return collectStrings(rows)
}

func (s *Store) SharedTenantTables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.table_name
		FROM information_schema.columns c
		JOIN information_schema.tables t
		  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE c.table_schema = 'public'
		  AND c.column_name = 'project_id'
		  AND t.table_type = 'BASE TABLE'
		ORDER BY c.table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("shared tables query: %w", err)
	}
	return collectStrings(rows)
}

// ---------- gateway.UsageStore / gateway.ExportSource ----------

func (s *Store) UpsertCounters(ctx context.Context, counters []gateway.CounterRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range counters {
		_, err := tx.Exec(ctx, `
			INSERT INTO usage_counters (project_id, api_key_prefix, metric_type, period_start, value)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (project_id, api_key_prefix, metric_type, period_start)
			DO UPDATE SET value = usage_counters.value + EXCLUDED.value
		`, c.ProjectID, c.KeyPrefix, string(c.Metric), c.PeriodStart, c.Value)
		if err != nil {
			return fmt.Errorf("upsert counter: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit usage tx: %w", err)
	}
	return nil
}

func (s *Store) Totals(ctx context.Context, projectID int64, since time.Time) (map[gateway.Metric]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT metric_type, COALESCE(SUM(value), 0)
		FROM usage_counters
		WHERE project_id = $1 AND period_start >= $2
		GROUP BY metric_type
	`, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("usage totals query: %w", err)
	}
	defer rows.Close()

	totals := make(map[gateway.Metric]int64)
	for rows.Next() {
		var metric string
		var value int64
		if err := rows.Scan(&metric, &value); err != nil {
			return nil, fmt.Errorf("scan usage total: %w", err)
		}
		totals[gateway.Metric(metric)] = value
	}
	return totals, rows.Err()
}

func (s *Store) CountersInRange(ctx context.Context, from, to time.Time) ([]gateway.CounterRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project_id, api_key_prefix, metric_type, period_start, value
		FROM usage_counters
		WHERE period_start >= $1 AND period_start < $2
		ORDER BY project_id, period_start
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("usage range query: %w", err)
	}
	defer rows.Close()

	var out []gateway.CounterRow
	for rows.Next() {
		var row gateway.CounterRow
		var metric string
		if err := rows.Scan(&row.ProjectID, &row.KeyPrefix, &metric, &row.PeriodStart, &row.Value); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		row.Metric = gateway.Metric(metric)
		out = append(out, row)
	}
	return out, rows.Err()
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
