package usercache

import (
	"context"
	"fmt"

	"github.com/joao-brasil/dbproxy/internal/pool"
)

// SQLSource implements Source by querying mysql.user on one designated
// bucket (conventionally the write target) — the simplest honest directory
// transport available without a standalone account-management service,
// same trade-off internal/monitor's health-check bridge makes for topology
// data it has no dedicated feed for.
type SQLSource struct {
	poolMgr  *pool.Manager
	bucketID string
}

// NewSQLSource builds a Source that refreshes from bucketID's backend.
func NewSQLSource(poolMgr *pool.Manager, bucketID string) *SQLSource {
	return &SQLSource{poolMgr: poolMgr, bucketID: bucketID}
}

func (s *SQLSource) FetchAll(ctx context.Context) ([]Entry, error) {
	conn, err := s.poolMgr.Acquire(ctx, s.bucketID)
	if err != nil {
		return nil, fmt.Errorf("usercache: acquire %s: %w", s.bucketID, err)
	}
	defer s.poolMgr.Release(conn)

	rows, err := conn.DB().QueryContext(ctx,
		`SELECT User, Host, plugin, authentication_string FROM mysql.user`)
	if err != nil {
		return nil, fmt.Errorf("usercache: query mysql.user: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.User, &e.HostPattern, &e.AuthPlugin, &e.AuthHash); err != nil {
			return nil, fmt.Errorf("usercache: scan mysql.user row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLSource) FetchOne(ctx context.Context, user, hostPattern string) (Entry, error) {
	conn, err := s.poolMgr.Acquire(ctx, s.bucketID)
	if err != nil {
		return Entry{}, fmt.Errorf("usercache: acquire %s: %w", s.bucketID, err)
	}
	defer s.poolMgr.Release(conn)

	var e Entry
	row := conn.DB().QueryRowContext(ctx,
		`SELECT User, Host, plugin, authentication_string FROM mysql.user WHERE User = ? AND Host = ?`,
		user, hostPattern)
	if err := row.Scan(&e.User, &e.HostPattern, &e.AuthPlugin, &e.AuthHash); err != nil {
		return Entry{}, fmt.Errorf("usercache: fetch %s@%s: %w", user, hostPattern, err)
	}
	return e, nil
}
