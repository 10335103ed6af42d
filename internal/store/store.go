// Package store implements CacheStore (spec §4.2): the on-disk half of the
// persistent cache, responsible only for file bytes under a root directory.
// It knows nothing about budgets or recency — that is internal/lru's job.
//
// Grounded on the teacher's storage_persistent.go, which separates bolt.DB
// bookkeeping (AddChunk/GetChunk) from the raw file writes under dataPath;
// here the split is a full package boundary instead of one struct's two
// halves, since unlike the teacher this cache has no chunk/object model to
// also track in the same file.
package store

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/applog"
)

// Store is a content root: relative paths underneath Root, written
// atomically (temp file + rename, matching ioutil.WriteFile's replace
// semantics in AddChunk but crash-safe against partial writes) and pruned
// of now-empty parent directories on delete.
type Store struct {
	Root string
}

// New returns a Store rooted at root, creating it if necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache root %q", root)
	}
	return &Store{Root: root}, nil
}

func (s *Store) abs(relPath string) string {
	return filepath.Join(s.Root, filepath.FromSlash(relPath))
}

// Write stores data at relPath atomically: written to a sibling temp file
// then renamed into place, so a reader never observes a partial file.
func (s *Store) Write(relPath string, data []byte) error {
	full := s.abs(relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", relPath)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file for %q", relPath)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to write %q", relPath)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to close temp file for %q", relPath)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to finalize %q", relPath)
	}
	return nil
}

// Open opens relPath for reading. Callers must Close it.
func (s *Store) Open(relPath string) (*os.File, error) {
	f, err := os.Open(s.abs(relPath))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", relPath)
	}
	return f, nil
}

// Delete removes relPath and then prunes any now-empty parent directories,
// stopping at (and never removing) Root itself.
func (s *Store) Delete(relPath string) error {
	full := s.abs(relPath)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete %q", relPath)
	}
	s.pruneEmptyParents(filepath.Dir(full))
	return nil
}

func (s *Store) pruneEmptyParents(dir string) {
	root := filepath.Clean(s.Root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || len(dir) <= len(root) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			applog.Warnf(dir, "failed to prune empty directory: %v", err)
			return
		}
		dir = filepath.Dir(dir)
	}
}
