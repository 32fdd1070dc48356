package meta

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrBucketNotFound     = fmt.Errorf("bucket %w", ErrNotFound)
	ErrObjectNotFound     = fmt.Errorf("object %w", ErrNotFound)
	ErrUploadNotFound     = fmt.Errorf("multipart upload %w", ErrNotFound)
	ErrDuplicateBucket    = errors.New("bucket already exists")
	ErrConflict           = errors.New("conflict")
	ErrBucketNotEmpty     = errors.New("bucket not empty")
	ErrQuotaExceeded      = errors.New("bucket size limit exceeded")
	ErrInvalidPartNumber  = errors.New("invalid part number")
	ErrIncompleteParts    = errors.New("incomplete parts")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidKey         = errors.New("invalid object key")
	ErrInvalidContentType = errors.New("content type not allowed")
	ErrInvalidSignature   = errors.New("invalid upload signature")
)

// isUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
