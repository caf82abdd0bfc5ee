package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
	"github.com/netbirdio/otaclient/util"
)

// ErrStorageInit is returned when the content directory can't be created or accessed
var ErrStorageInit = errors.New("content store is not available")

// Store keeps asset files in a single directory, named after the asset source URL
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating the directory when needed
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty directory", ErrStorageInit)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageInit, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrStorageInit, dir)
	}

	return &Store{dir: dir}, nil
}

// PathFor returns the file name of an asset: the hex SHA-256 of its URL and its type as extension
func PathFor(asset *types.Asset) string {
	sum := sha256.Sum256([]byte(asset.URL))
	return hex.EncodeToString(sum[:]) + "." + asset.Type
}

// Dir returns the root directory of the store
func (s *Store) Dir() string {
	return s.dir
}

// AbsPath returns the absolute location of a relative asset path
func (s *Store) AbsPath(relPath string) string {
	return filepath.Join(s.dir, relPath)
}

// Exists reports whether a regular file is stored under relPath
func (s *Store) Exists(relPath string) bool {
	if relPath == "" {
		return false
	}
	info, err := os.Stat(s.AbsPath(relPath))
	return err == nil && info.Mode().IsRegular()
}

// WriteAtomically stores r under relPath and returns the SHA-256 digest of the written bytes.
// The destination is either replaced as a whole or not modified at all.
func (s *Store) WriteAtomically(ctx context.Context, r io.Reader, relPath string) ([]byte, error) {
	h := sha256.New()
	n, err := util.WriteStreamAtomically(ctx, s.AbsPath(relPath), r, h)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", relPath, err)
	}
	log.Debugf("stored %s (%d bytes)", relPath, n)
	return h.Sum(nil), nil
}

// HashFile returns the SHA-256 digest of the stored file
func (s *Store) HashFile(relPath string) ([]byte, error) {
	f, err := os.Open(s.AbsPath(relPath))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", relPath, err)
	}
	return h.Sum(nil), nil
}

// Remove deletes the stored file. A missing file is not an error.
func (s *Store) Remove(relPath string) error {
	if relPath == "" {
		return nil
	}
	err := os.Remove(s.AbsPath(relPath))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
