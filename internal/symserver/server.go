// Package symserver implements the SymServer front-end (spec §4.5): an L1
// string-KV consult, sub-request coalescing for misses, a synchronous POST
// to the DiskCache, and L1 back-fill.
//
// Grounded on the teacher's plex.go request-composition style (build a
// side struct, make one outbound HTTP call, fan the result back into
// local state) generalized here from Plex-session lookups to
// cache-miss sub-requests, and on
// original_source/snappy/SymServer_Symbolicator.py's SymbolicationThread,
// which this package's Symbolicate reproduces step-for-step.
package symserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/applog"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/config"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/l1"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/protocol"
)

// Server is the SymServer front-end's runtime state: an HTTP client aimed
// at the DiskCache, an L1 store, and the process-wide outputCacheHits
// switch (spec §9's "global mutable state").
type Server struct {
	cfg             *config.SymServer
	l1              l1.Store
	client          *http.Client
	outputCacheHits int32 // atomic bool
}

// New builds a Server pointed at the configured DiskCache address, with an
// in-process L1 by default (see internal/l1 for why a real implementation
// ships even though the spec treats L1 as an external collaborator).
func New(cfg *config.SymServer, store l1.Store) *Server {
	if store == nil {
		ttl := time.Duration(cfg.L1DefaultTTLSecs) * time.Second
		store = l1.NewMemory(ttl)
	}
	return &Server{
		cfg:    cfg,
		l1:     store,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetOutputCacheHits toggles the process-wide cacheHits-reporting switch,
// set only by the outputCacheHits debug action (spec §6).
func (s *Server) SetOutputCacheHits(enabled bool) {
	var v int32
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&s.outputCacheHits, v)
}

func (s *Server) wantsCacheHits() bool {
	return atomic.LoadInt32(&s.outputCacheHits) != 0
}

type subRequestFrame struct {
	origStack  int
	origFrame  int
	origModule int
	subFrame   int
}

// l1Key builds the L1 key for a single frame: urlQuote(libName) + "/" +
// urlQuote(breakpadId) + "/" + urlQuote(offset), matching
// SymServer_Symbolicator.py's moduleOffsetId.
func l1Key(libName, breakpadID string, offset int64) string {
	return url.QueryEscape(libName) + "/" + url.QueryEscape(breakpadID) + "/" +
		url.QueryEscape(strconv.FormatInt(offset, 10))
}

// Symbolicate runs the full per-request flow of spec §4.5: L1 consult,
// sub-request coalescing, DiskCache POST, L1 back-fill.
func (s *Server) Symbolicate(ctx context.Context, req *protocol.SymbolicationRequest) (*protocol.SymbolicationResponse, error) {
	withHits := s.wantsCacheHits()
	resp := protocol.NewResponseTemplate(req, withHits)

	subMemoryMap := make([]protocol.Module, 0)
	moduleIndexBySig := make(map[string]int) // "libName\x00breakpadId" -> sub memoryMap index
	var subStack []protocol.Frame
	var sideTable []subRequestFrame

	for si, stack := range req.Stacks {
		for fi, frame := range stack {
			if frame.ModuleIndex < 0 || frame.ModuleIndex >= len(req.MemoryMap) {
				continue // left as bare hex offset, never symbolicated
			}
			mod := req.MemoryMap[frame.ModuleIndex]
			key := l1Key(mod.LibName, mod.BreakpadID, frame.Offset)

			if sym, found := s.l1.Get(key); found {
				resp.SymbolicatedStacks[si][fi] = sym + " (in " + mod.LibName + ")"
				resp.KnownModules[frame.ModuleIndex] = true
				if withHits {
					resp.CacheHits[si][fi] = true
				}
				continue
			}

			sig := mod.LibName + "\x00" + mod.BreakpadID
			subModuleIdx, ok := moduleIndexBySig[sig]
			if !ok {
				subModuleIdx = len(subMemoryMap)
				subMemoryMap = append(subMemoryMap, mod)
				moduleIndexBySig[sig] = subModuleIdx
			}
			subFrameIdx := len(subStack)
			subStack = append(subStack, protocol.Frame{ModuleIndex: subModuleIdx, Offset: frame.Offset})
			sideTable = append(sideTable, subRequestFrame{
				origStack: si, origFrame: fi, origModule: frame.ModuleIndex, subFrame: subFrameIdx,
			})
		}
	}

	if len(subStack) == 0 {
		return resp, nil
	}

	subReq := &protocol.SymbolicationRequest{
		Version:   4,
		MemoryMap: subMemoryMap,
		Stacks:    [][]protocol.Frame{subStack},
	}

	subResp, err := s.queryDiskCache(ctx, subReq)
	if err != nil {
		// DiskCache failure leaves placeholders and is logged, never
		// surfaced to the client as a 5xx (spec §4.5 failure policy).
		applog.Errorf("symserver", "disk cache query failed: %v", err)
		return resp, nil
	}

	for _, side := range sideTable {
		if !subResp.KnownModules[subReq.Stacks[0][side.subFrame].ModuleIndex] {
			continue
		}
		symbol := subResp.SymbolicatedStacks[0][side.subFrame]
		resp.SymbolicatedStacks[side.origStack][side.origFrame] = symbol
		resp.KnownModules[side.origModule] = true

		mod := req.MemoryMap[side.origModule]
		frame := req.Stacks[side.origStack][side.origFrame]
		s.l1.Set(l1Key(mod.LibName, mod.BreakpadID, frame.Offset), stripModuleSuffix(symbol), 0)
	}

	return resp, nil
}

// stripModuleSuffix trims the " (in libName)" annotation before caching a
// bare symbol in L1, so a later hit re-annotates with whatever libName
// that later request names (defensive against library aliasing; matches
// the original's separate storage of bare symbol strings).
func stripModuleSuffix(annotated string) string {
	if idx := bytes.LastIndex([]byte(annotated), []byte(" (in ")); idx >= 0 {
		return annotated[:idx]
	}
	return annotated
}

func (s *Server) queryDiskCache(ctx context.Context, subReq *protocol.SymbolicationRequest) (*protocol.SymbolicationResponse, error) {
	body, err := json.Marshal(struct {
		Version   int                `json:"version"`
		MemoryMap []protocol.Module  `json:"memoryMap"`
		Stacks    [][]protocol.Frame `json:"stacks"`
	}{subReq.Version, subReq.MemoryMap, subReq.Stacks})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.DiskCacheServer, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var out protocol.SymbolicationResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DebugCacheEvict deletes the L1 entry for a single frame (the SymServer
// variant of the shared "cacheEvict" debug action name, spec §6).
func (s *Server) DebugCacheEvict(libName, breakpadID string, offset int64) {
	s.l1.Delete(l1Key(libName, breakpadID, offset))
}
