package meta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BucketType distinguishes regular buckets from analytics buckets.
type BucketType string

const (
	BucketStandard  BucketType = "STANDARD"
	BucketAnalytics BucketType = "ANALYTICS"
)

// Bucket is a namespace of objects.
type Bucket struct {
	ID     string
	Name   string
	Owner  uuid.UUID
	Public bool

	// FileSizeLimit caps the size of any single object and of any
	// in-progress multipart upload. Nil means unlimited.
	FileSizeLimit *int64

	// AllowedMimeTypes restricts object content types. Entries are exact
	// ("image/png") or wildcard ("image/*"). Empty allows everything.
	AllowedMimeTypes []string

	Type      BucketType
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BucketInput describes a bucket to create.
type BucketInput struct {
	ID               string
	Name             string
	Owner            uuid.UUID
	Public           bool
	FileSizeLimit    *int64
	AllowedMimeTypes []string
	Type             BucketType
}

// BucketUpdate lists the mutable bucket settings. Nil fields are left
// unchanged; ClearFileSizeLimit removes the limit.
type BucketUpdate struct {
	Public             *bool
	FileSizeLimit      *int64
	ClearFileSizeLimit bool
	AllowedMimeTypes   *[]string
}

// BucketFilter selects buckets in ListBuckets. Nil fields match anything.
type BucketFilter struct {
	Owner  *uuid.UUID
	Public *bool
}

const bucketColumns = `id, name, owner, public, file_size_limit, allowed_mime_types, type, created_at, updated_at`

// CreateBucket registers a new bucket. The id must be unused.
func (s *Store) CreateBucket(ctx context.Context, in BucketInput) (*Bucket, error) {
	if in.ID == "" {
		return nil, fmt.Errorf("%w: bucket id must not be empty", ErrInvalidArgument)
	}

	if in.Name == "" {
		in.Name = in.ID
	}

	if in.Type == "" {
		in.Type = BucketStandard
	}

	if in.Type != BucketStandard && in.Type != BucketAnalytics {
		return nil, fmt.Errorf("%w: unknown bucket type %q", ErrInvalidArgument, in.Type)
	}

	if in.FileSizeLimit != nil && *in.FileSizeLimit < 0 {
		return nil, fmt.Errorf("%w: negative file size limit", ErrInvalidArgument)
	}

	mimeTypes, err := encodeMimeTypes(in.AllowedMimeTypes)
	if err != nil {
		return nil, err
	}

	now := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets(id, name, owner, public, file_size_limit, allowed_mime_types, type, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		in.ID, in.Name, nullUUID(in.Owner), in.Public, nullInt64(in.FileSizeLimit), mimeTypes, string(in.Type), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: bucket name %q is taken by another bucket", ErrConflict, in.Name)
		}
		return nil, fmt.Errorf("insert bucket %q: %w", in.ID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert bucket %q: %w", in.ID, err)
	}

	if rows == 0 {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateBucket, in.ID)
	}

	return &Bucket{
		ID:               in.ID,
		Name:             in.Name,
		Owner:            in.Owner,
		Public:           in.Public,
		FileSizeLimit:    in.FileSizeLimit,
		AllowedMimeTypes: in.AllowedMimeTypes,
		Type:             in.Type,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// GetBucket returns the bucket with the given id.
func (s *Store) GetBucket(ctx context.Context, id string) (*Bucket, error) {
	return getBucket(ctx, s.db, id)
}

// BucketExists reports whether a bucket with the given id exists.
func (s *Store) BucketExists(ctx context.Context, id string) (bool, error) {
	_, err := getBucket(ctx, s.db, id)
	if errors.Is(err, ErrBucketNotFound) {
		return false, nil
	}
	return err == nil, err
}

func getBucket(ctx context.Context, q querier, id string) (*Bucket, error) {
	row := q.QueryRowContext(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE id = ?`, id)
	b, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrBucketNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load bucket %q: %w", id, err)
	}
	return b, nil
}

// ListBuckets returns the buckets matching filter, oldest first.
func (s *Store) ListBuckets(ctx context.Context, filter BucketFilter) ([]Bucket, error) {
	query := `SELECT ` + bucketColumns + ` FROM buckets WHERE 1 = 1`
	var args []any

	if filter.Owner != nil {
		query += ` AND owner = ?`
		args = append(args, filter.Owner.String())
	}

	if filter.Public != nil {
		query += ` AND public = ?`
		args = append(args, *filter.Public)
	}

	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	buckets := make([]Bucket, 0)
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	return buckets, nil
}

// UpdateBucket changes the mutable settings of a bucket.
func (s *Store) UpdateBucket(ctx context.Context, id string, update BucketUpdate) (*Bucket, error) {
	var updated *Bucket
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		b, err := getBucket(ctx, tx, id)
		if err != nil {
			return err
		}

		if update.Public != nil {
			b.Public = *update.Public
		}

		if update.ClearFileSizeLimit {
			b.FileSizeLimit = nil
		} else if update.FileSizeLimit != nil {
			if *update.FileSizeLimit < 0 {
				return fmt.Errorf("%w: negative file size limit", ErrInvalidArgument)
			}
			limit := *update.FileSizeLimit
			b.FileSizeLimit = &limit
		}

		if update.AllowedMimeTypes != nil {
			b.AllowedMimeTypes = *update.AllowedMimeTypes
		}

		mimeTypes, err := encodeMimeTypes(b.AllowedMimeTypes)
		if err != nil {
			return err
		}

		b.UpdatedAt = s.timestamp()
		if _, err := tx.ExecContext(ctx,
			`UPDATE buckets SET public = ?, file_size_limit = ?, allowed_mime_types = ?, updated_at = ? WHERE id = ?`,
			b.Public, nullInt64(b.FileSizeLimit), mimeTypes, b.UpdatedAt, id,
		); err != nil {
			return fmt.Errorf("update bucket %q: %w", id, err)
		}

		updated = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteBucket removes a bucket. Dependent objects, prefixes, uploads and
// parts are either removed in the same transaction or block the delete
// with ErrBucketNotEmpty, according to the store's DeletePolicy.
func (s *Store) DeleteBucket(ctx context.Context, id string) error {
	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := getBucket(ctx, tx, id); err != nil {
			return err
		}

		hasObjects, err := exists(ctx, tx, `SELECT 1 FROM objects WHERE bucket_id = ? LIMIT 1`, id)
		if err != nil {
			return fmt.Errorf("check objects of bucket %q: %w", id, err)
		}

		hasUploads, err := exists(ctx, tx, `SELECT 1 FROM multipart_uploads WHERE bucket_id = ? LIMIT 1`, id)
		if err != nil {
			return fmt.Errorf("check uploads of bucket %q: %w", id, err)
		}

		if hasObjects && s.policy.Objects != Cascade {
			return fmt.Errorf("%w: %q has objects", ErrBucketNotEmpty, id)
		}

		if hasUploads && s.policy.Uploads != Cascade {
			return fmt.Errorf("%w: %q has multipart uploads", ErrBucketNotEmpty, id)
		}

		stmts := []string{
			`DELETE FROM multipart_upload_parts WHERE bucket_id = ?`,
			`DELETE FROM multipart_uploads WHERE bucket_id = ?`,
			`DELETE FROM objects WHERE bucket_id = ?`,
			`DELETE FROM prefixes WHERE bucket_id = ?`,
			`DELETE FROM buckets WHERE id = ?`,
		}

		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("delete bucket %q: %w", id, err)
			}
		}

		return nil
	})
}

// EmptyBucket removes every object and prefix of a bucket, leaving the
// bucket and its multipart uploads in place.
func (s *Store) EmptyBucket(ctx context.Context, id string) (int64, error) {
	var removed int64
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := getBucket(ctx, tx, id); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE bucket_id = ?`, id)
		if err != nil {
			return fmt.Errorf("empty bucket %q: %w", id, err)
		}

		if removed, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("empty bucket %q: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM prefixes WHERE bucket_id = ?`, id); err != nil {
			return fmt.Errorf("empty bucket %q: %w", id, err)
		}
		return nil
	})
	return removed, err
}

// AllowsContentType reports whether objects of the given content type may
// be stored in the bucket.
func (b *Bucket) AllowsContentType(contentType string) bool {
	if len(b.AllowedMimeTypes) == 0 {
		return true
	}

	// Parameters such as "; charset=utf-8" do not take part in matching.
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	for _, allowed := range b.AllowedMimeTypes {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == mediaType || allowed == "*/*" {
			return true
		}

		if family, ok := strings.CutSuffix(allowed, "/*"); ok && strings.HasPrefix(mediaType, family+"/") {
			return true
		}
	}

	return false
}

// exceedsLimit reports whether size is over the bucket's file size limit.
func (b *Bucket) exceedsLimit(size int64) bool {
	return b.FileSizeLimit != nil && size > *b.FileSizeLimit
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBucket(row rowScanner) (*Bucket, error) {
	var (
		b         Bucket
		owner     sql.NullString
		limit     sql.NullInt64
		mimeTypes sql.NullString
		typ       string
	)

	if err := row.Scan(&b.ID, &b.Name, &owner, &b.Public, &limit, &mimeTypes, &typ, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}

	b.Owner = parseOwner(owner)
	b.Type = BucketType(typ)

	if limit.Valid {
		v := limit.Int64
		b.FileSizeLimit = &v
	}

	if mimeTypes.Valid && mimeTypes.String != "" {
		if err := json.Unmarshal([]byte(mimeTypes.String), &b.AllowedMimeTypes); err != nil {
			return nil, fmt.Errorf("decode allowed mime types: %w", err)
		}
	}

	return &b, nil
}

func encodeMimeTypes(types []string) (any, error) {
	if len(types) == 0 {
		return nil, nil
	}
	return encodeJSON(types)
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// exists runs a query selecting at most one row and reports whether it
// produced one.
func exists(ctx context.Context, q querier, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
