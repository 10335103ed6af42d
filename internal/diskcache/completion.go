package diskcache

import (
	"context"
	"sync"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/protocol"
)

type completionState int

const (
	statePending completionState = iota
	stateRunning
	stateCancelled
	stateDone
)

// Completion is the one-shot result handle for a WorkItem (spec §4.4/§5):
// set exactly once, by the worker goroutine, and awaited by the HTTP
// response goroutine. The pre-"running" cancellation point is the only
// place a caller can abort an item before the worker commits to it.
type Completion struct {
	mu    sync.Mutex
	state completionState
	resp  *protocol.SymbolicationResponse
	dbg   interface{}
	err   error
	done  chan struct{}
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// tryRunning transitions pending → running. Returns false if the item was
// already cancelled, in which case the worker must skip it entirely.
func (c *Completion) tryRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateCancelled {
		return false
	}
	c.state = stateRunning
	return true
}

// Cancel aborts the item if it has not yet started running. A no-op once
// the worker has transitioned it to running.
func (c *Completion) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == statePending {
		c.state = stateCancelled
		close(c.done)
	}
}

// Complete sets the symbolication result. Safe to call at most once.
func (c *Completion) Complete(resp *protocol.SymbolicationResponse, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateDone || c.state == stateCancelled {
		return
	}
	c.state, c.resp, c.err = stateDone, resp, err
	close(c.done)
}

// CompleteDebug sets a debug-action result (an arbitrary JSON-able value).
func (c *Completion) CompleteDebug(v interface{}, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateDone || c.state == stateCancelled {
		return
	}
	c.state, c.dbg, c.err = stateDone, v, err
	close(c.done)
}

// Wait blocks until the item completes, is cancelled, or ctx is done.
func (c *Completion) Wait(ctx context.Context) (*protocol.SymbolicationResponse, interface{}, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.resp, c.dbg, c.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
