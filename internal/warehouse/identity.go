package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stratalabs/strata/pkg/types"
)

// InsertIdentityLinks writes links that do not exist yet, in one
// transaction, and reports how many were new. INSERT OR IGNORE keeps the
// first association permanent across runs even after the raw batches
// that produced it age out.
func (s *SQLiteStore) InsertIdentityLinks(ctx context.Context, links []types.IdentityLink) (int64, error) {
	if len(links) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("warehouse: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO identity_links (tenant_slug, anonymous_id, resolved_user_id, resolved_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("warehouse: failed to prepare identity link insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, link := range links {
		res, err := stmt.ExecContext(ctx, link.TenantSlug, link.AnonymousID, link.ResolvedUserID, link.ResolvedAt.Unix())
		if err != nil {
			return 0, fmt.Errorf("warehouse: failed to insert identity link: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("warehouse: failed to count inserted links: %w", err)
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("warehouse: failed to commit identity links: %w", err)
	}
	return inserted, nil
}

// IdentityLinks returns a tenant's links as anonymous id to resolved
// user id.
func (s *SQLiteStore) IdentityLinks(ctx context.Context, tenantSlug string) (map[string]string, error) {
	stmt, err := s.getOrPrepareStmt(ctx, `
		SELECT anonymous_id, resolved_user_id
		FROM identity_links
		WHERE tenant_slug = ?
	`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, tenantSlug)
	if err != nil {
		return nil, fmt.Errorf("warehouse: failed to query identity links: %w", err)
	}
	defer rows.Close()

	links := make(map[string]string)
	for rows.Next() {
		var anon, user string
		if err := rows.Scan(&anon, &user); err != nil {
			return nil, fmt.Errorf("warehouse: failed to scan identity link: %w", err)
		}
		links[anon] = user
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("warehouse: failed to iterate identity links: %w", err)
	}
	return links, nil
}

// ReplaceIdentityStats overwrites a tenant's identity summary row.
func (s *SQLiteStore) ReplaceIdentityStats(ctx context.Context, tenantSlug string, stats types.IdentityStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO identity_stats
			(tenant_slug, total_users, resolved_customers, anonymous_users, resolution_rate, total_events, total_sessions, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, tenantSlug, stats.TotalUsers, stats.ResolvedCustomers, stats.AnonymousUsers, stats.ResolutionRate,
		stats.TotalEvents, stats.TotalSessions, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("warehouse: failed to replace identity stats: %w", err)
	}
	return nil
}

// IdentityStats returns a tenant's identity summary, with found false
// when no run has recorded one yet.
func (s *SQLiteStore) IdentityStats(ctx context.Context, tenantSlug string) (*types.IdentityStats, bool, error) {
	stmt, err := s.getOrPrepareStmt(ctx, `
		SELECT total_users, resolved_customers, anonymous_users, resolution_rate, total_events, total_sessions
		FROM identity_stats
		WHERE tenant_slug = ?
	`)
	if err != nil {
		return nil, false, err
	}

	var stats types.IdentityStats
	err = stmt.QueryRowContext(ctx, tenantSlug).Scan(
		&stats.TotalUsers, &stats.ResolvedCustomers, &stats.AnonymousUsers,
		&stats.ResolutionRate, &stats.TotalEvents, &stats.TotalSessions,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("warehouse: failed to query identity stats: %w", err)
	}
	return &stats, true, nil
}
