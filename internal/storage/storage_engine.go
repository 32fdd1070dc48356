package storage

import "os"

// StorageEngine defines the interface for a storage backend that manages
// object payloads identified by their SHA-256 hexadecimal hashes. Payloads
// are shared by every bucket and object that has the same content.
type StorageEngine interface {
	// PutObject stores the raw object payload identified by its SHA-256
	// hexadecimal hash.
	PutObject(hashHex string, data []byte) error

	// PutObjectFromFile stores the payload identified by its SHA-256
	// hexadecimal hash, taking ownership of the file at tempPath.
	PutObjectFromFile(hashHex string, tempPath string, size int64) error

	// GetObject retrieves the raw object payload previously stored under the
	// SHA-256 hexadecimal hash.
	GetObject(hashHex string) ([]byte, error)

	// OpenObject opens the payload for streaming reads.
	OpenObject(hashHex string) (*os.File, error)

	// TempDir is where callers stage payloads before handing them to
	// PutObjectFromFile, so that the final move stays on one filesystem.
	TempDir() string
}
