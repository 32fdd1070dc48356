package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	objectsDir = "objects"
	tempDir    = "tmp"
)

// LocalFileStorage is a StorageEngine implementation that stores object
// payloads on the local filesystem under a content-addressed layout rooted at
// dataDir: <dataDir>/objects/<first two hex chars>/<hash>.
type LocalFileStorage struct {
	dataDir string
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir,
// creating its directories if needed.
func NewLocalFileStorage(dataDir string) (*LocalFileStorage, error) {
	for _, dir := range []string{filepath.Join(dataDir, objectsDir), filepath.Join(dataDir, tempDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	return &LocalFileStorage{dataDir: dataDir}, nil
}

// ObjectPath computes the full filesystem path for the payload identified
// by hashHex.
func ObjectPath(directory string, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	if filepath.Base(hashHex) != hashHex {
		return "", fmt.Errorf("invalid hash: %q", hashHex)
	}
	return filepath.Join(directory, objectsDir, hashHex[:2], hashHex), nil
}

// present reports whether a payload of the given size is already stored at
// objPath.
func present(objPath string, size int64) bool {
	info, err := os.Stat(objPath)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Size() == size
}

func (s *LocalFileStorage) TempDir() string {
	return filepath.Join(s.dataDir, tempDir)
}

func (s *LocalFileStorage) PutObject(hashHex string, data []byte) error {
	objPath, err := ObjectPath(s.dataDir, hashHex)
	if err != nil {
		return err
	}

	if present(objPath, int64(len(data))) {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return err
	}

	// Write beside the target and rename so readers never see a partial
	// payload.
	tmp, err := os.CreateTemp(s.TempDir(), "put-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return MoveFile(tmp.Name(), objPath)
}

// PutObjectFromFile stores a payload that already exists on disk at
// tempPath without loading it into memory. If an identical payload is
// already stored, the temp file is discarded.
func (s *LocalFileStorage) PutObjectFromFile(hashHex string, tempPath string, size int64) error {
	objPath, err := ObjectPath(s.dataDir, hashHex)
	if err != nil {
		return err
	}

	if present(objPath, size) {
		if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return err
	}

	return MoveFile(tempPath, objPath)
}

func (s *LocalFileStorage) GetObject(hashHex string) ([]byte, error) {
	objPath, err := ObjectPath(s.dataDir, hashHex)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(objPath)
}

func (s *LocalFileStorage) OpenObject(hashHex string) (*os.File, error) {
	objPath, err := ObjectPath(s.dataDir, hashHex)
	if err != nil {
		return nil, err
	}
	return os.Open(objPath)
}
