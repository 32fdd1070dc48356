package meta

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eteran/strata/internal/keypath"
	"github.com/google/uuid"
)

const (
	MinPartNumber = 1
	MaxPartNumber = 10000
)

// UploadState is the lifecycle state of a multipart upload.
type UploadState string

const (
	UploadInitiated  UploadState = "INITIATED"
	UploadInProgress UploadState = "IN_PROGRESS"
)

// Upload is an in-progress multipart upload.
type Upload struct {
	ID             uuid.UUID
	BucketID       string
	Key            string
	Signature      string
	Version        string
	Owner          uuid.UUID
	InProgressSize int64
	State          UploadState
	ContentType    string
	UserMetadata   map[string]string
	CreatedAt      time.Time
}

// Part is one uploaded part of a multipart upload.
type Part struct {
	ID         uuid.UUID
	UploadID   uuid.UUID
	PartNumber int
	Size       int64
	ETag       string
	BucketID   string
	Key        string
	Owner      uuid.UUID
	Version    string
	CreatedAt  time.Time
}

type InitiateInput struct {
	Bucket       string
	Key          string
	Owner        uuid.UUID
	ContentType  string
	UserMetadata map[string]string
}

type UploadPartInput struct {
	UploadID   uuid.UUID
	PartNumber int
	Size       int64
	ETag       string
	Owner      uuid.UUID
}

type CompleteInput struct {
	UploadID uuid.UUID

	// Path is the content store reference of the assembled payload.
	Path         string
	CacheControl string

	// Parts, when set, are the parts Path was assembled from. Completion
	// fails with ErrConflict unless they still match the recorded parts.
	Parts []Part
}

type UploadFilter struct {
	Prefix string
}

const (
	uploadColumns = `id, bucket_id, key, upload_signature, version, owner, in_progress_size, state, content_type, user_metadata, created_at`
	partColumns   = `id, upload_id, part_number, size, etag, bucket_id, key, owner, version, created_at`
)

// InitiateUpload starts a multipart upload for key.
func (s *Store) InitiateUpload(ctx context.Context, in InitiateInput) (*Upload, error) {
	if err := validateKey(in.Key); err != nil {
		return nil, err
	}

	signature, err := newSignature()
	if err != nil {
		return nil, err
	}

	userMetadata, err := encodeStringMap(in.UserMetadata)
	if err != nil {
		return nil, err
	}

	u := &Upload{
		ID:           uuid.New(),
		BucketID:     in.Bucket,
		Key:          in.Key,
		Signature:    signature,
		Version:      uuid.NewString(),
		Owner:        in.Owner,
		State:        UploadInitiated,
		ContentType:  in.ContentType,
		UserMetadata: in.UserMetadata,
		CreatedAt:    s.timestamp(),
	}

	err = withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		bucket, err := getBucket(ctx, tx, in.Bucket)
		if err != nil {
			return err
		}

		if !bucket.AllowsContentType(in.ContentType) {
			return fmt.Errorf("%w: %q in bucket %q", ErrInvalidContentType, in.ContentType, bucket.ID)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO multipart_uploads(`+uploadColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID.String(), u.BucketID, u.Key, u.Signature, u.Version, nullUUID(u.Owner),
			u.InProgressSize, string(u.State), u.ContentType, userMetadata, u.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert upload for %q: %w", in.Key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UploadPart records a part, replacing any earlier part with the same
// number. The upload's running size is recomputed from its parts and must
// stay within the bucket's file size limit.
func (s *Store) UploadPart(ctx context.Context, in UploadPartInput) (*Part, error) {
	if in.PartNumber < MinPartNumber || in.PartNumber > MaxPartNumber {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPartNumber, in.PartNumber)
	}

	if in.Size < 0 {
		return nil, fmt.Errorf("%w: negative part size", ErrInvalidArgument)
	}

	var part *Part
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		u, err := getUpload(ctx, tx, in.UploadID)
		if err != nil {
			return err
		}

		bucket, err := getBucket(ctx, tx, u.BucketID)
		if err != nil {
			return err
		}

		var others int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(size), 0) FROM multipart_upload_parts WHERE upload_id = ? AND part_number <> ?`,
			u.ID.String(), in.PartNumber,
		).Scan(&others); err != nil {
			return fmt.Errorf("sum parts of upload %s: %w", u.ID, err)
		}

		if bucket.exceedsLimit(others + in.Size) {
			return fmt.Errorf("%w: upload %s would reach %d bytes", ErrQuotaExceeded, u.ID, others+in.Size)
		}

		part = &Part{
			ID:         uuid.New(),
			UploadID:   u.ID,
			PartNumber: in.PartNumber,
			Size:       in.Size,
			ETag:       in.ETag,
			BucketID:   u.BucketID,
			Key:        u.Key,
			Owner:      in.Owner,
			Version:    u.Version,
			CreatedAt:  s.timestamp(),
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO multipart_upload_parts(`+partColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(upload_id, part_number) DO UPDATE SET
			   id = excluded.id,
			   size = excluded.size,
			   etag = excluded.etag,
			   owner = excluded.owner,
			   created_at = excluded.created_at`,
			part.ID.String(), part.UploadID.String(), part.PartNumber, part.Size, part.ETag,
			part.BucketID, part.Key, nullUUID(part.Owner), part.Version, part.CreatedAt,
		); err != nil {
			return fmt.Errorf("record part %d of upload %s: %w", in.PartNumber, u.ID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE multipart_uploads
			 SET in_progress_size = (SELECT COALESCE(SUM(size), 0) FROM multipart_upload_parts WHERE upload_id = ?),
			     state = ?
			 WHERE id = ?`,
			u.ID.String(), string(UploadInProgress), u.ID.String(),
		); err != nil {
			return fmt.Errorf("update upload %s: %w", u.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return part, nil
}

// CompleteUpload turns an upload into an object. The parts must be
// numbered contiguously from 1. The object takes the upload's version, and
// the upload and its parts are removed in the same transaction.
func (s *Store) CompleteUpload(ctx context.Context, in CompleteInput) (*Object, error) {
	var obj *Object
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		u, err := getUpload(ctx, tx, in.UploadID)
		if err != nil {
			return err
		}

		parts, err := listParts(ctx, tx, u.ID)
		if err != nil {
			return err
		}

		if len(parts) == 0 {
			return fmt.Errorf("%w: upload %s has no parts", ErrIncompleteParts, u.ID)
		}

		var size int64
		for i, p := range parts {
			if p.PartNumber != i+1 {
				return fmt.Errorf("%w: upload %s is missing part %d", ErrIncompleteParts, u.ID, i+1)
			}
			size += p.Size
		}

		if in.Parts != nil && !sameParts(parts, in.Parts) {
			return fmt.Errorf("%w: parts of upload %s changed during completion", ErrConflict, u.ID)
		}

		bucket, err := getBucket(ctx, tx, u.BucketID)
		if err != nil {
			return err
		}

		obj, err = s.putObjectTx(ctx, tx, bucket, PutObjectInput{
			Bucket: u.BucketID,
			Key:    u.Key,
			Owner:  u.Owner,
			Metadata: ObjectMetadata{
				Size:         size,
				Mimetype:     u.ContentType,
				ETag:         CombinedETag(parts),
				CacheControl: in.CacheControl,
				Path:         in.Path,
			},
			UserMetadata: u.UserMetadata,
		}, u.Version)
		if err != nil {
			return err
		}

		return deleteUpload(ctx, tx, u.ID)
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// sameParts reports whether both lists name the same parts with the same
// sizes and tags, in the same order.
func sameParts(recorded, expected []Part) bool {
	if len(recorded) != len(expected) {
		return false
	}
	for i := range recorded {
		r, e := recorded[i], expected[i]
		if r.PartNumber != e.PartNumber || r.Size != e.Size || r.ETag != e.ETag {
			return false
		}
	}
	return true
}

// AbortUpload discards an upload and all of its parts.
func (s *Store) AbortUpload(ctx context.Context, id uuid.UUID) error {
	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return deleteUpload(ctx, tx, id)
	})
}

// lastActivity is the time of an upload's newest part, or its creation
// time when it has none.
const lastActivity = `COALESCE((SELECT MAX(p.created_at) FROM multipart_upload_parts p WHERE p.upload_id = u.id), u.created_at)`

// AbortUploadIfIdle aborts the upload only while its last activity is
// still before cutoff. An upload that has seen activity since is left
// alone and ErrConflict is returned.
func (s *Store) AbortUploadIfIdle(ctx context.Context, id uuid.UUID, cutoff time.Time) error {
	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var idle bool
		err := tx.QueryRowContext(ctx,
			`SELECT `+lastActivity+` < ? FROM multipart_uploads u WHERE u.id = ?`,
			cutoff.UTC(), id.String(),
		).Scan(&idle)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrUploadNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("check activity of upload %s: %w", id, err)
		}

		if !idle {
			return fmt.Errorf("%w: upload %s is active again", ErrConflict, id)
		}
		return deleteUpload(ctx, tx, id)
	})
}

// GetUpload returns the upload with the given id.
func (s *Store) GetUpload(ctx context.Context, id uuid.UUID) (*Upload, error) {
	return getUpload(ctx, s.db, id)
}

// ListParts returns the parts of an upload ordered by part number.
func (s *Store) ListParts(ctx context.Context, id uuid.UUID) ([]Part, error) {
	if _, err := getUpload(ctx, s.db, id); err != nil {
		return nil, err
	}
	return listParts(ctx, s.db, id)
}

// ListUploads returns the uploads of a bucket ordered by key and then by
// creation time.
func (s *Store) ListUploads(ctx context.Context, bucket string, filter UploadFilter) ([]Upload, error) {
	if _, err := getBucket(ctx, s.db, bucket); err != nil {
		return nil, err
	}

	query := `SELECT ` + uploadColumns + ` FROM multipart_uploads WHERE bucket_id = ? AND key >= ?`
	args := []any{bucket, filter.Prefix}
	if hi := keypath.PrefixUpperBound(filter.Prefix); hi != "" {
		query += ` AND key < ?`
		args = append(args, hi)
	}
	query += ` ORDER BY key, created_at, id`

	return queryUploads(ctx, s.db, query, args...)
}

// ListExpiredUploads returns up to limit uploads whose last activity, the
// newest part or else the initiation, happened strictly before cutoff.
func (s *Store) ListExpiredUploads(ctx context.Context, cutoff time.Time, limit int) ([]Upload, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	return queryUploads(ctx, s.db,
		`SELECT `+uploadColumns+` FROM multipart_uploads u
		 WHERE `+lastActivity+` < ?
		 ORDER BY u.created_at, u.id
		 LIMIT ?`,
		cutoff.UTC(), limit,
	)
}

// VerifyUploadSignature checks signature against the one issued when the
// upload was initiated.
func (s *Store) VerifyUploadSignature(ctx context.Context, id uuid.UUID, signature string) error {
	u, err := getUpload(ctx, s.db, id)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare([]byte(u.Signature), []byte(signature)) != 1 {
		return fmt.Errorf("%w: upload %s", ErrInvalidSignature, id)
	}
	return nil
}

// CombinedETag computes the entity tag of a multipart object: the MD5 of
// the concatenated binary part digests followed by "-" and the part count.
// Part tags that are not hex digests contribute their raw bytes.
func CombinedETag(parts []Part) string {
	h := md5.New()
	for _, p := range parts {
		tag := strings.Trim(p.ETag, `"`)
		if digest, err := hex.DecodeString(tag); err == nil {
			h.Write(digest)
		} else {
			h.Write([]byte(tag))
		}
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(parts))
}

func deleteUpload(ctx context.Context, q querier, id uuid.UUID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM multipart_upload_parts WHERE upload_id = ?`, id.String()); err != nil {
		return fmt.Errorf("delete parts of upload %s: %w", id, err)
	}

	res, err := q.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete upload %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete upload %s: %w", id, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUploadNotFound, id)
	}
	return nil
}

func getUpload(ctx context.Context, q querier, id uuid.UUID) (*Upload, error) {
	uploads, err := queryUploads(ctx, q, `SELECT `+uploadColumns+` FROM multipart_uploads WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}

	if len(uploads) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUploadNotFound, id)
	}
	return &uploads[0], nil
}

func queryUploads(ctx context.Context, q querier, query string, args ...any) ([]Upload, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer rows.Close()

	uploads := make([]Upload, 0)
	for rows.Next() {
		var (
			u            Upload
			id           string
			owner        sql.NullString
			state        string
			contentType  sql.NullString
			userMetadata sql.NullString
		)

		if err := rows.Scan(&id, &u.BucketID, &u.Key, &u.Signature, &u.Version, &owner,
			&u.InProgressSize, &state, &contentType, &userMetadata, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}

		if u.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}

		u.Owner = parseOwner(owner)
		u.State = UploadState(state)
		u.ContentType = contentType.String
		if u.UserMetadata, err = decodeStringMap(userMetadata); err != nil {
			return nil, err
		}

		uploads = append(uploads, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	return uploads, nil
}

func listParts(ctx context.Context, q querier, id uuid.UUID) ([]Part, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+partColumns+` FROM multipart_upload_parts WHERE upload_id = ? ORDER BY part_number`,
		id.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list parts of upload %s: %w", id, err)
	}
	defer rows.Close()

	parts := make([]Part, 0)
	for rows.Next() {
		var (
			p        Part
			partID   string
			uploadID string
			owner    sql.NullString
		)

		if err := rows.Scan(&partID, &uploadID, &p.PartNumber, &p.Size, &p.ETag, &p.BucketID, &p.Key,
			&owner, &p.Version, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}

		if p.ID, err = uuid.Parse(partID); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}

		if p.UploadID, err = uuid.Parse(uploadID); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}

		p.Owner = parseOwner(owner)
		parts = append(parts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list parts of upload %s: %w", id, err)
	}
	return parts, nil
}

func newSignature() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate upload signature: %w", err)
	}
	return hex.EncodeToString(b), nil
}

