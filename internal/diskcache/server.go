// Package diskcache implements the DiskCache server (spec §4.4): the
// persistent symbol cache, its single-worker batching scheduler, and the
// debug admin protocol.
//
// Grounded on the teacher's single-writer-thread discipline in handle.go
// (one worker goroutine owns preloadQueue and drains it into per-offset
// work, exactly the intake→work-list split this package generalizes to
// whole requests instead of byte-range chunks) and on
// original_source/snappy/DiskCache_DiskCache.py's DiskCacheThread, which
// this package's worker loop reproduces call-for-call: firstCacheItem's
// guaranteed pop, transferWorkQueue's re-drain after each module,
// symbolicateFirstQueueEntry's whole-work-list frame collection.
package diskcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/applog"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/config"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/fetcher"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/lru"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/protocol"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/staticcache"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/store"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/symerr"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/symfile"
)

// WorkItem is one submitted job: either a symbolication request or a debug
// request, never both (spec §9's tagged variant).
type WorkItem struct {
	ID         string
	Req        *protocol.SymbolicationRequest
	Resp       *protocol.SymbolicationResponse
	Debug      *protocol.DebugRequest
	Completion *Completion
}

// Server owns the persistent cache and the single worker goroutine that
// services it.
type Server struct {
	cfg     *config.DiskCache
	store   *store.Store
	index   *lru.Index
	static  *staticcache.Overlay
	fetcher *fetcher.Fetcher

	intake   chan *WorkItem
	workMu   sync.Mutex // guards workList; today only the worker goroutine touches it
	workList []*WorkItem
}

// New wires up the cache store, persistent index, static overlay and
// fetcher from cfg, and starts the worker goroutine.
func New(cfg *config.DiskCache) (*Server, error) {
	st, err := store.New(cfg.CachePath)
	if err != nil {
		return nil, err
	}
	idx, err := lru.Open(cfg.CachePath+"/cache.sqlite", st, cfg.MaxSizeMB*1024*1024, cfg.DBWaitTime, cfg.BlockSizeBytes, cfg.OverheadBudgetBytes)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		store:   st,
		index:   idx,
		static:  staticcache.New(cfg.LocalSymbolDirs),
		fetcher: fetcher.New(cfg.SymbolURLs, cfg.Retries, time.Duration(cfg.RetryDelayMs)*time.Millisecond),
		intake:  make(chan *WorkItem, 1024),
	}
	go s.run()
	return s, nil
}

// Close shuts down the underlying index.
func (s *Server) Close() error {
	return s.index.Close()
}

// Submit enqueues req for symbolication and returns its completion handle.
func (s *Server) Submit(id string, req *protocol.SymbolicationRequest) *WorkItem {
	item := &WorkItem{
		ID:         id,
		Req:        req,
		Resp:       protocol.NewResponseTemplate(req, false),
		Completion: newCompletion(),
	}
	s.intake <- item
	return item
}

// SubmitDebug enqueues a debug request and returns its completion handle.
func (s *Server) SubmitDebug(id string, dbg *protocol.DebugRequest) *WorkItem {
	item := &WorkItem{ID: id, Debug: dbg, Completion: newCompletion()}
	s.intake <- item
	return item
}

// run is the single worker loop: drain intake, process the head item,
// guarantee it is popped, repeat forever.
func (s *Server) run() {
	for {
		s.drainIntake(true)
		s.processHead()
	}
}

// drainIntake moves everything currently queued in intake onto the tail of
// workList. If blockIfEmpty and workList is empty, it blocks for the first
// item instead of busy-spinning.
func (s *Server) drainIntake(blockIfEmpty bool) {
	s.workMu.Lock()
	empty := len(s.workList) == 0
	s.workMu.Unlock()

	if blockIfEmpty && empty {
		item := <-s.intake
		s.workMu.Lock()
		s.workList = append(s.workList, item)
		s.workMu.Unlock()
	}

	for {
		select {
		case item := <-s.intake:
			s.workMu.Lock()
			s.workList = append(s.workList, item)
			s.workMu.Unlock()
		default:
			return
		}
	}
}

// processHead runs the head-of-list item to completion. The head is always
// popped on exit, even if the item panics, matching the scoped
// "firstCacheItem" guarantee in the original scheduler.
func (s *Server) processHead() {
	s.workMu.Lock()
	if len(s.workList) == 0 {
		s.workMu.Unlock()
		return
	}
	item := s.workList[0]
	s.workMu.Unlock()

	defer func() {
		s.workMu.Lock()
		s.workList = s.workList[1:]
		s.workMu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			item.Completion.Complete(nil, fmt.Errorf("diskcache: worker panic: %v", r))
		}
	}()

	if !item.Completion.tryRunning() {
		return
	}

	if item.Debug != nil {
		result, err := s.handleDebug(item.Debug)
		item.Completion.CompleteDebug(result, err)
		return
	}

	s.symbolicate(item)
	item.Completion.Complete(item.Resp, nil)
}

type collectedFrame struct {
	workIndex  int
	stackIndex int
	frameIndex int
	moduleIdx2 int
	offset     uint64
}

// symbolicate implements the per-iteration batching protocol of spec
// §4.4 step 4: for each unresolved module of the head item, collect every
// frame across the whole (possibly growing) work list that references the
// same (libName, breakpadId), resolve the symbol file once, and back-fill
// every collected frame regardless of which item it belongs to.
func (s *Server) symbolicate(head *WorkItem) {
	for mi := range head.Req.MemoryMap {
		if head.Resp.KnownModules[mi] {
			continue
		}
		mod := head.Req.MemoryMap[mi]

		s.workMu.Lock()
		frames, offsets := collectFrames(s.workList, mod.LibName, mod.BreakpadID)
		s.workMu.Unlock()

		if len(frames) == 0 {
			continue
		}

		symbols, err := s.resolveModule(mod.LibName, mod.BreakpadID, offsets)
		if err != nil {
			applogModuleFailure(mod.LibName, mod.BreakpadID, err)
			s.drainIntake(false)
			continue
		}

		s.workMu.Lock()
		for _, f := range frames {
			sym, ok := symbols[f.offset]
			if !ok {
				continue
			}
			target := s.workList[f.workIndex]
			target.Resp.SymbolicatedStacks[f.stackIndex][f.frameIndex] = sym + " (in " + mod.LibName + ")"
			target.Resp.KnownModules[f.moduleIdx2] = true
		}
		s.workMu.Unlock()

		// Re-drain: items enqueued during the (slow) fetch above may share
		// files with the next module in this same loop (spec §9).
		s.drainIntake(false)
	}
}

func collectFrames(workList []*WorkItem, libName, breakpadID string) ([]collectedFrame, []uint64) {
	var frames []collectedFrame
	offsetSet := make(map[uint64]bool)
	for wi, item := range workList {
		if item.Req == nil {
			continue
		}
		for mi2, mod := range item.Req.MemoryMap {
			if mod.LibName != libName || mod.BreakpadID != breakpadID {
				continue
			}
			for si, stack := range item.Req.Stacks {
				for fi, frame := range stack {
					if frame.ModuleIndex != mi2 {
						continue
					}
					off := uint64(frame.Offset)
					frames = append(frames, collectedFrame{wi, si, fi, mi2, off})
					offsetSet[off] = true
				}
			}
		}
	}
	offsets := make([]uint64, 0, len(offsetSet))
	for o := range offsetSet {
		offsets = append(offsets, o)
	}
	return frames, offsets
}

// resolveModule opens (fetching and caching on miss) the preprocessed
// symbol file for (libName, breakpadId) and resolves offsets against it.
func (s *Server) resolveModule(libName, breakpadID string, offsets []uint64) (map[uint64]string, error) {
	relPath := symfile.RelPath(libName, breakpadID, symfile.ModuleName(libName))

	if f, ok := s.static.Open(relPath); ok {
		defer f.Close()
		return symfile.Lookup(f, offsets, relPath), nil
	}

	reader, err := s.index.Open(relPath)
	if err != nil {
		if !symerr.Is(err, symerr.NoSuchKey) {
			return nil, err
		}
		if err := s.fetchAndCache(relPath, libName, breakpadID); err != nil {
			return nil, err
		}
		reader, err = s.index.Open(relPath)
		if err != nil {
			return nil, err
		}
	}
	defer reader.Release()
	return symfile.Lookup(reader, offsets, relPath), nil
}

func (s *Server) fetchAndCache(relPath, libName, breakpadID string) error {
	symbolFileName := symfile.ModuleName(libName)
	upstreamRel := libName + "/" + breakpadID + "/" + symbolFileName
	raw, err := s.fetcher.Fetch(context.Background(), upstreamRel)
	if err != nil {
		return err
	}
	preprocessed := symfile.Preprocess(raw, relPath)
	return s.index.Add(relPath, int64(len(preprocessed)), func() error {
		return s.store.Write(relPath, preprocessed)
	})
}

// sizeBytes returns the current LRU budget usage, for the heartbeat debug
// action.
func (s *Server) sizeBytes() int64 {
	return s.index.Size()
}

func applogModuleFailure(libName, breakpadID string, err error) {
	applog.Warnf(libName+"/"+breakpadID, "module unresolved this pass: %v", err)
}
