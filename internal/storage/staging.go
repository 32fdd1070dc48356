package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Staged is a payload written to a temporary file and hashed on the way.
type Staged struct {
	Path string
	Hash string
	Size int64
}

// Discard removes the temporary file. It is safe to call after the file was
// handed to PutObjectFromFile.
func (s Staged) Discard() {
	_ = os.Remove(s.Path)
}

// Stage copies r into a new file under dir, computing its SHA-256 hash.
func Stage(dir string, r io.Reader) (Staged, error) {
	tmp, err := os.CreateTemp(dir, "stage-*")
	if err != nil {
		return Staged{}, fmt.Errorf("create temp file: %w", err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Staged{}, fmt.Errorf("stage payload: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Staged{}, fmt.Errorf("close temp file: %w", err)
	}

	return Staged{
		Path: tmp.Name(),
		Hash: hex.EncodeToString(h.Sum(nil)),
		Size: n,
	}, nil
}

// Store stages r and moves the result into engine under its hash.
func Store(engine StorageEngine, r io.Reader) (Staged, error) {
	staged, err := Stage(engine.TempDir(), r)
	if err != nil {
		return Staged{}, err
	}

	if err := engine.PutObjectFromFile(staged.Hash, staged.Path, staged.Size); err != nil {
		staged.Discard()
		return Staged{}, fmt.Errorf("store payload %s: %w", staged.Hash, err)
	}
	return staged, nil
}

// Concatenate joins the payloads named by hashes, in order, into a new
// stored payload.
func Concatenate(engine StorageEngine, hashes []string) (Staged, error) {
	pr, pw := io.Pipe()

	go func() {
		for _, hash := range hashes {
			f, err := engine.OpenObject(hash)
			if err != nil {
				pw.CloseWithError(fmt.Errorf("open part %s: %w", hash, err))
				return
			}

			_, err = io.Copy(pw, f)
			f.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	staged, err := Store(engine, pr)
	// Unblock the writer if Store gave up early.
	pr.CloseWithError(io.ErrClosedPipe)
	return staged, err
}
