package meta

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eteran/strata/internal/keypath"
)

// Prefix is a virtual directory: a strict ancestor of at least one object
// key in its bucket.
type Prefix struct {
	BucketID  string
	Name      string
	Level     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// insertAncestors records every strict ancestor of name. Existing prefixes
// are left untouched, so a prefix keeps the casing it was first created
// with.
func insertAncestors(ctx context.Context, q querier, bucket, name string, now time.Time) error {
	for _, anc := range keypath.Ancestors(name) {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO prefixes(bucket_id, name, name_key, level, created_at, updated_at)
			 VALUES(?, ?, ?, ?, ?, ?)
			 ON CONFLICT DO NOTHING`,
			bucket, anc.Name, strings.ToLower(anc.Name), anc.Level, now, now,
		); err != nil {
			return fmt.Errorf("insert prefix %q: %w", anc.Name, err)
		}
	}
	return nil
}

// pruneAncestors removes the ancestors of name that no longer have any
// descendant, deepest first. The descendant check is part of the delete
// statement itself so a prefix still in use is never removed.
func pruneAncestors(ctx context.Context, q querier, bucket, name string) error {
	ancestors := keypath.Ancestors(name)
	for i := len(ancestors) - 1; i >= 0; i-- {
		anc := ancestors[i]
		nameKey := strings.ToLower(anc.Name)
		lo, hi := keypath.DescendantRange(nameKey)

		if _, err := q.ExecContext(ctx,
			`DELETE FROM prefixes
			 WHERE bucket_id = ? AND name_key = ? AND level = ?
			   AND NOT EXISTS (SELECT 1 FROM objects WHERE bucket_id = ? AND name_key >= ? AND name_key < ?)
			   AND NOT EXISTS (SELECT 1 FROM prefixes WHERE bucket_id = ? AND name_key >= ? AND name_key < ?)`,
			bucket, nameKey, anc.Level,
			bucket, lo, hi,
			bucket, lo, hi,
		); err != nil {
			return fmt.Errorf("prune prefix %q: %w", anc.Name, err)
		}
	}
	return nil
}

// ListPrefixes returns every prefix of a bucket ordered by level and name.
func (s *Store) ListPrefixes(ctx context.Context, bucket string) ([]Prefix, error) {
	if _, err := getBucket(ctx, s.db, bucket); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket_id, name, level, created_at, updated_at
		 FROM prefixes WHERE bucket_id = ?
		 ORDER BY level, name_key`,
		bucket,
	)
	if err != nil {
		return nil, fmt.Errorf("list prefixes of %q: %w", bucket, err)
	}
	defer rows.Close()

	prefixes := make([]Prefix, 0)
	for rows.Next() {
		var p Prefix
		if err := rows.Scan(&p.BucketID, &p.Name, &p.Level, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan prefix: %w", err)
		}
		prefixes = append(prefixes, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list prefixes of %q: %w", bucket, err)
	}
	return prefixes, nil
}
