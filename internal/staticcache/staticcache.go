// Package staticcache implements the static symbol overlay (spec §3, §4.2): a
// read-only set of locally-provided symbol directories consulted before
// ever falling back to the persistent LRU cache or the network fetcher.
//
// Grounded on the teacher's layered-storage idea in storage_persistent.go
// (GetPersistent's process-wide map of already-opened stores, reused
// instead of reopened) generalized here to a directory overlay: earlier
// directories in the configured list win over later ones, mirroring how
// the original's localSymbolDirs are searched in order and the first hit
// returned (original_source/snappy/DiskCache_DiskCache.py references a
// "static" cache consulted ahead of the dynamic LRU one).
package staticcache

import (
	"os"
	"path/filepath"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/applog"
)

// Overlay resolves relative symbol paths against a fixed, ordered list of
// root directories built at startup.
type Overlay struct {
	roots []string
}

// New builds an overlay from dirs, in priority order: dirs[0] is tried
// first. Missing directories are logged and skipped rather than treated as
// fatal, since an operator may list a directory that simply isn't present
// on this host yet.
func New(dirs []string) *Overlay {
	roots := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if _, err := os.Stat(d); err != nil {
			applog.Warnf("staticcache", "configured local symbol dir %q not usable: %v", d, err)
			continue
		}
		roots = append(roots, d)
	}
	return &Overlay{roots: roots}
}

// Resolve returns the absolute path of relPath under the first configured
// root that contains it, and true. If no root has it, returns "", false.
func (o *Overlay) Resolve(relPath string) (string, bool) {
	for _, root := range o.roots {
		full := filepath.Join(root, filepath.FromSlash(relPath))
		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			return full, true
		}
	}
	return "", false
}

// Open opens relPath from the first configured root that has it.
func (o *Overlay) Open(relPath string) (*os.File, bool) {
	full, ok := o.Resolve(relPath)
	if !ok {
		return nil, false
	}
	f, err := os.Open(full)
	if err != nil {
		applog.Warnf(relPath, "found in static overlay but failed to open: %v", err)
		return nil, false
	}
	return f, true
}
