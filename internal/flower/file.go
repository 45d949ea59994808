package flower

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/minio/highwayhash"
)

var fingerprintKey = []byte("flower-merge/fingerprint/v1.key!")

// Fingerprint returns a 64-bit HighwayHash of data.
func Fingerprint(data []byte) uint64 {
	return highwayhash.Sum64(data, fingerprintKey)
}

// FileStore loads and saves documents on the local filesystem.
type FileStore struct{}

// Exists returns an error wrapping ErrNotFound when path does not exist.
func (FileStore) Exists(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("flower: %s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("flower: stat %s: %w", path, err)
	}
	return nil
}

// Load reads and decodes the document at path.
func (s FileStore) Load(path string) (*Document, error) {
	if err := s.Exists(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("flower: read %s: %w", path, err)
	}
	doc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Save replaces the file at path with the encoded document. The content is
// written to a temporary file in the same directory and renamed over path,
// so readers never observe a partial document. When path is a symlink the
// link target is replaced and the link itself is kept.
func (FileStore) Save(path string, doc *Document) error {
	data, err := Encode(doc)
	if err != nil {
		return err
	}

	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("flower: resolve %s: %w", path, err)
	}

	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("flower: create temp file in %s: %w", dir, err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("flower: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("flower: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("flower: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("flower: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("flower: rename temp file to %s: %w", path, err)
	}
	return nil
}
