package meta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/eteran/strata/internal/keypath"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// DefaultPageSize is the number of rows ListObjects fetches per query when
// ListOptions.PageSize is not set.
const DefaultPageSize = 1000

// ObjectMetadata is the system metadata of an object.
type ObjectMetadata struct {
	Size         int64     `json:"size"`
	Mimetype     string    `json:"mimetype,omitempty"`
	ETag         string    `json:"eTag,omitempty"`
	CacheControl string    `json:"cacheControl,omitempty"`
	Path         string    `json:"path,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// Object is a stored object's metadata record.
type Object struct {
	ID             uuid.UUID
	BucketID       string
	Name           string
	Level          int
	PathTokens     []string
	Owner          uuid.UUID
	Metadata       ObjectMetadata
	UserMetadata   map[string]string
	Version        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time
}

// PutObjectInput describes an object write.
type PutObjectInput struct {
	Bucket       string
	Key          string
	Owner        uuid.UUID
	Metadata     ObjectMetadata
	UserMetadata map[string]string

	// IfVersion, when set, makes the write conditional on the object
	// existing with exactly this version.
	IfVersion string
}

// EntryKind tells prefix entries and object entries apart in a listing.
// Prefixes sort before objects of the same name.
type EntryKind int

const (
	KindPrefix EntryKind = iota
	KindObject
)

func (k EntryKind) String() string {
	switch k {
	case KindPrefix:
		return "prefix"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("EntryKind(%d)", int(k))
	}
}

// Entry is one row of a listing.
type Entry struct {
	Kind      EntryKind
	Name      string
	Level     int
	CreatedAt time.Time
	UpdatedAt time.Time

	// Object is set for KindObject entries.
	Object *Object
}

// ListOptions controls ListObjects.
type ListOptions struct {
	// Prefix restricts the listing to names beginning with it, ignoring
	// case.
	Prefix string

	// Level selects the directory depth listed in non-recursive mode.
	Level int

	// Recursive lists every object under Prefix regardless of level and
	// without prefix entries.
	Recursive bool

	// StartAfter skips every entry whose name is not greater than it.
	StartAfter string

	// StartAfterPrefix resumes after the prefix entry named StartAfter
	// instead, so an object of the same name is still listed.
	StartAfterPrefix bool

	PageSize int
}

const objectColumns = `id, bucket_id, name, level, path_tokens, owner, metadata, user_metadata, version, created_at, updated_at, last_accessed_at`

// PutObject creates the object or replaces the existing object with the
// same key. A replacement keeps the stored name and gets a new version.
func (s *Store) PutObject(ctx context.Context, in PutObjectInput) (*Object, error) {
	var obj *Object
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		bucket, err := getBucket(ctx, tx, in.Bucket)
		if err != nil {
			return err
		}

		obj, err = s.putObjectTx(ctx, tx, bucket, in, uuid.NewString())
		return err
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// putObjectTx writes an object inside an existing transaction using the
// given version token.
func (s *Store) putObjectTx(ctx context.Context, tx *sql.Tx, bucket *Bucket, in PutObjectInput, version string) (*Object, error) {
	if err := validateKey(in.Key); err != nil {
		return nil, err
	}

	if in.Metadata.Size < 0 {
		return nil, fmt.Errorf("%w: negative object size", ErrInvalidArgument)
	}

	if bucket.exceedsLimit(in.Metadata.Size) {
		return nil, fmt.Errorf("%w: object of %d bytes in bucket %q", ErrQuotaExceeded, in.Metadata.Size, bucket.ID)
	}

	if !bucket.AllowsContentType(in.Metadata.Mimetype) {
		return nil, fmt.Errorf("%w: %q in bucket %q", ErrInvalidContentType, in.Metadata.Mimetype, bucket.ID)
	}

	now := s.timestamp()
	in.Metadata.LastModified = now

	metadata, err := encodeJSON(in.Metadata)
	if err != nil {
		return nil, err
	}

	userMetadata, err := encodeStringMap(in.UserMetadata)
	if err != nil {
		return nil, err
	}

	existing, err := findObject(ctx, tx, bucket.ID, in.Key)
	switch {
	case errors.Is(err, ErrObjectNotFound):
		if in.IfVersion != "" {
			return nil, fmt.Errorf("%w: %q does not exist", ErrConflict, in.Key)
		}

		path := keypath.Decompose(in.Key)
		tokens, err := encodeJSON(path.Tokens)
		if err != nil {
			return nil, err
		}

		obj := &Object{
			ID:             uuid.New(),
			BucketID:       bucket.ID,
			Name:           in.Key,
			Level:          path.Level,
			PathTokens:     path.Tokens,
			Owner:          in.Owner,
			Metadata:       in.Metadata,
			UserMetadata:   in.UserMetadata,
			Version:        version,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastAccessedAt: now,
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO objects(`+objectColumns+`, name_key)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			obj.ID.String(), obj.BucketID, obj.Name, obj.Level, tokens, nullUUID(obj.Owner),
			metadata, userMetadata, obj.Version, now, now, now, strings.ToLower(obj.Name),
		); err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: %q was created concurrently", ErrConflict, in.Key)
			}
			return nil, fmt.Errorf("insert object %q: %w", in.Key, err)
		}

		if err := insertAncestors(ctx, tx, bucket.ID, obj.Name, now); err != nil {
			return nil, err
		}
		return obj, nil

	case err != nil:
		return nil, err
	}

	if in.IfVersion != "" && in.IfVersion != existing.Version {
		return nil, fmt.Errorf("%w: %q is at version %s", ErrConflict, existing.Name, existing.Version)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE objects
		 SET owner = ?, metadata = ?, user_metadata = ?, version = ?, updated_at = ?, last_accessed_at = ?
		 WHERE id = ?`,
		nullUUID(in.Owner), metadata, userMetadata, version, now, now, existing.ID.String(),
	); err != nil {
		return nil, fmt.Errorf("update object %q: %w", existing.Name, err)
	}

	existing.Owner = in.Owner
	existing.Metadata = in.Metadata
	existing.UserMetadata = in.UserMetadata
	existing.Version = version
	existing.UpdatedAt = now
	existing.LastAccessedAt = now
	return existing, nil
}

// GetObject returns the object stored under key. Keys match without
// regard to case.
func (s *Store) GetObject(ctx context.Context, bucket, key string) (*Object, error) {
	obj, err := findObject(ctx, s.db, bucket, key)
	if errors.Is(err, ErrObjectNotFound) {
		if _, berr := getBucket(ctx, s.db, bucket); berr != nil {
			return nil, berr
		}
	}
	return obj, err
}

// DeleteObject removes an object and every prefix left without
// descendants. The removed record is returned.
func (s *Store) DeleteObject(ctx context.Context, bucket, key string) (*Object, error) {
	var obj *Object
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := getBucket(ctx, tx, bucket); err != nil {
			return err
		}

		var err error
		obj, err = findObject(ctx, tx, bucket, key)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, obj.ID.String()); err != nil {
			return fmt.Errorf("delete object %q: %w", obj.Name, err)
		}

		return pruneAncestors(ctx, tx, bucket, obj.Name)
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// RenameObject moves an object to a new key within its bucket. The new
// key must not belong to another object.
func (s *Store) RenameObject(ctx context.Context, bucket, oldKey, newKey string) (*Object, error) {
	if err := validateKey(newKey); err != nil {
		return nil, err
	}

	var obj *Object
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := getBucket(ctx, tx, bucket); err != nil {
			return err
		}

		var err error
		obj, err = findObject(ctx, tx, bucket, oldKey)
		if err != nil {
			return err
		}

		target, err := findObject(ctx, tx, bucket, newKey)
		switch {
		case err == nil && target.ID != obj.ID:
			return fmt.Errorf("%w: %q already exists", ErrConflict, target.Name)
		case err != nil && !errors.Is(err, ErrObjectNotFound):
			return err
		}

		oldName := obj.Name
		path := keypath.Decompose(newKey)
		tokens, err := encodeJSON(path.Tokens)
		if err != nil {
			return err
		}

		now := s.timestamp()
		obj.Name = newKey
		obj.Level = path.Level
		obj.PathTokens = path.Tokens
		obj.Version = uuid.NewString()
		obj.UpdatedAt = now

		if _, err := tx.ExecContext(ctx,
			`UPDATE objects
			 SET name = ?, name_key = ?, level = ?, path_tokens = ?, version = ?, updated_at = ?
			 WHERE id = ?`,
			obj.Name, strings.ToLower(obj.Name), obj.Level, tokens, obj.Version, now, obj.ID.String(),
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %q already exists", ErrConflict, newKey)
			}
			return fmt.Errorf("rename object %q: %w", oldName, err)
		}

		if err := insertAncestors(ctx, tx, bucket, obj.Name, now); err != nil {
			return err
		}
		return pruneAncestors(ctx, tx, bucket, oldName)
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// CopyObject writes the metadata of an existing object under a new key,
// possibly in another bucket. The destination bucket's constraints apply.
func (s *Store) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, owner uuid.UUID) (*Object, error) {
	var obj *Object
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := getBucket(ctx, tx, srcBucket); err != nil {
			return err
		}

		src, err := findObject(ctx, tx, srcBucket, srcKey)
		if err != nil {
			return err
		}

		dst, err := getBucket(ctx, tx, dstBucket)
		if err != nil {
			return err
		}

		obj, err = s.putObjectTx(ctx, tx, dst, PutObjectInput{
			Bucket:       dstBucket,
			Key:          dstKey,
			Owner:        owner,
			Metadata:     src.Metadata,
			UserMetadata: src.UserMetadata,
		}, uuid.NewString())
		return err
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// TouchObject records an access to the object.
func (s *Store) TouchObject(ctx context.Context, bucket, key string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET last_accessed_at = ? WHERE bucket_id = ? AND name_key = ? AND level = ?`,
		s.timestamp(), bucket, strings.ToLower(key), keypath.LevelOf(key),
	)
	if err != nil {
		return fmt.Errorf("touch object %q: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch object %q: %w", key, err)
	}

	if n == 0 {
		if _, err := getBucket(ctx, s.db, bucket); err != nil {
			return err
		}
		return fmt.Errorf("%w: %q", ErrObjectNotFound, key)
	}
	return nil
}

// ListObjects returns a lazy listing of a bucket ordered by name without
// regard to case, with a prefix sorting before an object of the same name.
// Rows are fetched one page at a time using the last returned (name, kind)
// as the cursor, and ranging over the sequence again starts a fresh
// listing.
func (s *Store) ListObjects(ctx context.Context, bucket string, opts ListOptions) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if opts.Level < 0 {
			yield(Entry{}, fmt.Errorf("%w: negative level", ErrInvalidArgument))
			return
		}

		if _, err := getBucket(ctx, s.db, bucket); err != nil {
			yield(Entry{}, err)
			return
		}

		pageSize := opts.PageSize
		if pageSize <= 0 {
			pageSize = DefaultPageSize
		}

		cursorKey, cursorKind := "", KindPrefix-1
		if opts.StartAfter != "" {
			cursorKey, cursorKind = strings.ToLower(opts.StartAfter), KindObject
			if opts.StartAfterPrefix {
				cursorKind = KindPrefix
			}
		}

		for {
			page, err := s.listPage(ctx, bucket, opts, cursorKey, cursorKind, pageSize)
			if err != nil {
				yield(Entry{}, err)
				return
			}

			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}

			if len(page) < pageSize {
				return
			}

			last := page[len(page)-1]
			cursorKey, cursorKind = strings.ToLower(last.Name), last.Kind
		}
	}
}

// listPage reads one page of entries strictly after (cursorKey,
// cursorKind), where cursorKey is a lower-cased name. Names are matched
// and ordered by their lower-cased form, the same way keys are looked up.
// The rows are fully read before returning so that no read transaction
// stays open while the caller consumes them.
func (s *Store) listPage(ctx context.Context, bucket string, opts ListOptions, cursorKey string, cursorKind EntryKind, limit int) ([]Entry, error) {
	prefixKey := strings.ToLower(opts.Prefix)
	rangeCond := `name_key >= ?`
	rangeArgs := []any{prefixKey}
	if hi := keypath.PrefixUpperBound(prefixKey); hi != "" {
		rangeCond += ` AND name_key < ?`
		rangeArgs = append(rangeArgs, hi)
	}

	objectsSelect := `SELECT 1 AS kind, ` + objectColumns + `, name_key FROM objects WHERE bucket_id = ? AND ` + rangeCond
	objectsArgs := append([]any{bucket}, rangeArgs...)

	var (
		query string
		args  []any
	)

	if opts.Recursive {
		query = objectsSelect
		args = objectsArgs
	} else {
		prefixesSelect := `SELECT 0 AS kind, NULL, bucket_id, name, level, NULL, NULL, NULL, NULL, NULL, created_at, updated_at, NULL, name_key
			FROM prefixes WHERE bucket_id = ? AND level = ? AND ` + rangeCond
		query = prefixesSelect + ` UNION ALL ` + objectsSelect + ` AND level = ?`

		args = append(args, bucket, opts.Level)
		args = append(args, rangeArgs...)
		args = append(args, objectsArgs...)
		args = append(args, opts.Level)
	}

	query = `SELECT * FROM (` + query + `) WHERE (name_key, kind) > (?, ?) ORDER BY name_key, kind LIMIT ?`
	args = append(args, cursorKey, int(cursorKind), limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list objects of %q: %w", bucket, err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list objects of %q: %w", bucket, err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		kind         int
		id           sql.NullString
		bucketID     string
		name         string
		level        int
		tokens       sql.NullString
		owner        sql.NullString
		metadata     sql.NullString
		userMetadata sql.NullString
		version      sql.NullString
		created      dbTime
		updated      dbTime
		accessed     dbTime
		nameKey      string
	)

	if err := rows.Scan(&kind, &id, &bucketID, &name, &level, &tokens, &owner, &metadata, &userMetadata, &version, &created, &updated, &accessed, &nameKey); err != nil {
		return Entry{}, fmt.Errorf("scan entry: %w", err)
	}

	e := Entry{
		Kind:      EntryKind(kind),
		Name:      name,
		Level:     level,
		CreatedAt: created.Time,
		UpdatedAt: updated.Time,
	}

	if e.Kind != KindObject {
		return e, nil
	}

	objID, err := uuid.Parse(id.String)
	if err != nil {
		return Entry{}, fmt.Errorf("scan entry %q: %w", name, err)
	}

	obj := &Object{
		ID:             objID,
		BucketID:       bucketID,
		Name:           name,
		Level:          level,
		Owner:          parseOwner(owner),
		Version:        version.String,
		CreatedAt:      created.Time,
		UpdatedAt:      updated.Time,
		LastAccessedAt: accessed.Time,
	}

	if err := decodeObjectColumns(obj, tokens, metadata, userMetadata); err != nil {
		return Entry{}, fmt.Errorf("scan entry %q: %w", name, err)
	}

	e.Object = obj
	return e, nil
}

// findObject looks an object up by key without regard to case.
func findObject(ctx context.Context, q querier, bucket, key string) (*Object, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket_id = ? AND name_key = ? AND level = ?`,
		bucket, strings.ToLower(key), keypath.LevelOf(key),
	)

	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load object %q: %w", key, err)
	}
	return obj, nil
}

func scanObject(row rowScanner) (*Object, error) {
	var (
		obj          Object
		id           string
		tokens       sql.NullString
		owner        sql.NullString
		metadata     sql.NullString
		userMetadata sql.NullString
	)

	if err := row.Scan(&id, &obj.BucketID, &obj.Name, &obj.Level, &tokens, &owner, &metadata, &userMetadata,
		&obj.Version, &obj.CreatedAt, &obj.UpdatedAt, &obj.LastAccessedAt); err != nil {
		return nil, err
	}

	var err error
	if obj.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}

	obj.Owner = parseOwner(owner)
	if err := decodeObjectColumns(&obj, tokens, metadata, userMetadata); err != nil {
		return nil, err
	}
	return &obj, nil
}

func decodeObjectColumns(obj *Object, tokens, metadata, userMetadata sql.NullString) error {
	if tokens.Valid {
		if err := json.Unmarshal([]byte(tokens.String), &obj.PathTokens); err != nil {
			return fmt.Errorf("decode path tokens: %w", err)
		}
	}

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &obj.Metadata); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
	}

	m, err := decodeStringMap(userMetadata)
	if err != nil {
		return err
	}
	obj.UserMetadata = m
	return nil
}

func validateKey(key string) error {
	if err := keypath.Validate(key); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// dbTime scans timestamps from result columns that carry no declared
// type, such as those of a compound SELECT, where the driver hands back
// the stored text instead of a time.Time.
type dbTime struct {
	time.Time
	Valid bool
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v, true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("cannot scan %T into a timestamp", src)
	}
}

func (t *dbTime) parse(s string) error {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}
