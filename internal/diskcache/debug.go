package diskcache

import (
	"context"
	"path/filepath"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/protocol"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/symerr"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/symfile"
)

// handleDebug dispatches the DiskCache-side debug actions (spec §6's debug
// table): heartbeat, cacheAddRaw, cacheGet, cacheEvict, cacheExists.
func (s *Server) handleDebug(req *protocol.DebugRequest) (interface{}, error) {
	switch req.Action {
	case "heartbeat":
		// the original's touch() is just a call to size(): a whole-cache
		// liveness probe, not a per-path recency bump.
		return map[string]interface{}{"size": s.sizeBytes()}, nil
	case "cacheAddRaw":
		return s.debugCacheAddRaw(req)
	case "cacheGet":
		return s.debugCacheGet(req)
	case "cacheEvict":
		return s.debugCacheEvict(req)
	case "cacheExists":
		return s.debugCacheExists(req)
	default:
		return nil, symerr.New(symerr.Validation, "unknown debug action: %s", req.Action)
	}
}

func (s *Server) relPath(req *protocol.DebugRequest) string {
	return symfile.RelPath(req.LibName, req.BreakpadID, symfile.ModuleName(req.LibName))
}

// debugCacheAddRaw evicts any existing entry, then fetches and stores the
// upstream file verbatim (no preprocessing), returning its on-disk path.
func (s *Server) debugCacheAddRaw(req *protocol.DebugRequest) (interface{}, error) {
	relPath := s.relPath(req)
	_ = s.index.Evict(relPath)

	upstreamRel := req.LibName + "/" + req.BreakpadID + "/" + symfile.ModuleName(req.LibName)
	raw, err := s.fetcher.Fetch(context.Background(), upstreamRel)
	if err != nil {
		return nil, err
	}
	if err := s.index.Add(relPath, int64(len(raw)), func() error {
		return s.store.Write(relPath, raw)
	}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": filepath.Join(s.store.Root, relPath)}, nil
}

// debugCacheGet returns the cache path for relPath, fetching and
// preprocessing it first if absent (static overlay takes priority).
func (s *Server) debugCacheGet(req *protocol.DebugRequest) (interface{}, error) {
	relPath := s.relPath(req)

	if full, ok := s.static.Resolve(relPath); ok {
		return map[string]interface{}{"path": full}, nil
	}
	if s.index.Exists(relPath) {
		return map[string]interface{}{"path": filepath.Join(s.store.Root, relPath)}, nil
	}
	if err := s.fetchAndCache(relPath, req.LibName, req.BreakpadID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": filepath.Join(s.store.Root, relPath)}, nil
}

func (s *Server) debugCacheEvict(req *protocol.DebugRequest) (interface{}, error) {
	relPath := s.relPath(req)
	if err := s.index.Evict(relPath); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}

func (s *Server) debugCacheExists(req *protocol.DebugRequest) (interface{}, error) {
	relPath := s.relPath(req)
	if _, ok := s.static.Resolve(relPath); ok {
		return map[string]interface{}{"exists": true}, nil
	}
	return map[string]interface{}{"exists": s.index.Exists(relPath)}, nil
}
