// Package protocol defines the wire types exchanged over HTTP by both
// servers (spec §6) and the validator that gates them (spec §4.6). The
// symbolication/debug split is a tagged variant decoded from the same JSON
// body, not a class hierarchy (spec §9).
package protocol

import (
	"encoding/json"
	"strconv"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/symerr"
)

// Module is one (libName, breakpadId) pair from a memoryMap entry.
type Module struct {
	LibName    string
	BreakpadID string
}

// MarshalJSON emits a Module as the wire's 2-element array.
func (m Module) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{m.LibName, m.BreakpadID})
}

// UnmarshalJSON parses a Module from the wire's 2-element array.
func (m *Module) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	m.LibName, m.BreakpadID = pair[0], pair[1]
	return nil
}

// Frame is one [moduleIndex, offset] stack entry. ModuleIndex may be
// negative, meaning "no module" (never symbolicated).
type Frame struct {
	ModuleIndex int
	Offset      int64
}

// MarshalJSON emits a Frame as the wire's 2-element array.
func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{int64(f.ModuleIndex), f.Offset})
}

// UnmarshalJSON parses a Frame from the wire's 2-element array.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var pair [2]int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	f.ModuleIndex, f.Offset = int(pair[0]), pair[1]
	return nil
}

// SymbolicationRequest is a parsed, validated symbolication body.
type SymbolicationRequest struct {
	Version   int
	MemoryMap []Module
	Stacks    [][]Frame
}

// SymbolicationResponse is the v4 response shape; v3 serializes only
// SymbolicatedStacks.
type SymbolicationResponse struct {
	SymbolicatedStacks [][]string `json:"symbolicatedStacks"`
	KnownModules       []bool     `json:"knownModules"`
	CacheHits          [][]bool   `json:"cacheHits,omitempty"`
}

// NewResponseTemplate builds the placeholder response for req: every frame
// defaults to its hex offset annotated with its module's libName (or just
// the hex offset when moduleIndex is negative), and knownModules starts
// all false.
func NewResponseTemplate(req *SymbolicationRequest, withCacheHits bool) *SymbolicationResponse {
	resp := &SymbolicationResponse{
		SymbolicatedStacks: make([][]string, len(req.Stacks)),
		KnownModules:       make([]bool, len(req.MemoryMap)),
	}
	if withCacheHits {
		resp.CacheHits = make([][]bool, len(req.Stacks))
	}
	for i, stack := range req.Stacks {
		resp.SymbolicatedStacks[i] = make([]string, len(stack))
		if withCacheHits {
			resp.CacheHits[i] = make([]bool, len(stack))
		}
		for j, frame := range stack {
			resp.SymbolicatedStacks[i][j] = placeholder(req, frame)
		}
	}
	return resp
}

func placeholder(req *SymbolicationRequest, frame Frame) string {
	hex := hexOffset(frame.Offset)
	if frame.ModuleIndex < 0 || frame.ModuleIndex >= len(req.MemoryMap) {
		return hex
	}
	return hex + " (in " + req.MemoryMap[frame.ModuleIndex].LibName + ")"
}

func hexOffset(offset int64) string {
	return "0x" + strconv.FormatUint(uint64(offset), 16)
}

// DebugRequest is a parsed, validated debug body (loopback clients only).
type DebugRequest struct {
	Action     string
	LibName    string
	BreakpadID string
	Offset     int64
	Enabled    bool
	HasOffset  bool
	HasEnabled bool
}

// rawRequest is the permissive shape used only to sniff which variant a
// body is, before committing to strict decoding of either.
type rawRequest struct {
	Debug      *bool            `json:"debug"`
	Action     *string          `json:"action"`
	LibName    *string          `json:"libName"`
	BreakpadID *string          `json:"breakpadId"`
	Offset     *int64           `json:"offset"`
	Enabled    *bool            `json:"enabled"`
	Version    *int             `json:"version"`
	MemoryMap  *json.RawMessage `json:"memoryMap"`
	Stacks     *json.RawMessage `json:"stacks"`
}

// Parse validates and decodes body into either a SymbolicationRequest or a
// DebugRequest, per spec §4.6. isLoopback gates whether a debug:true body
// is honored at all; from a non-loopback client, debug:true is rejected as
// Validation the same as any other malformed body.
func Parse(body []byte, isLoopback bool) (*SymbolicationRequest, *DebugRequest, error) {
	var raw rawRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, symerr.Wrap(symerr.Validation, err, "body is not a JSON object")
	}

	if raw.Debug != nil && *raw.Debug {
		if !isLoopback {
			return nil, nil, symerr.New(symerr.Validation, "debug requests are loopback-only")
		}
		if raw.Action == nil || *raw.Action == "" {
			return nil, nil, symerr.New(symerr.Validation, "debug request missing action")
		}
		dbg := &DebugRequest{Action: *raw.Action}
		if raw.LibName != nil {
			dbg.LibName = *raw.LibName
		}
		if raw.BreakpadID != nil {
			dbg.BreakpadID = *raw.BreakpadID
		}
		if raw.Offset != nil {
			dbg.Offset, dbg.HasOffset = *raw.Offset, true
		}
		if raw.Enabled != nil {
			dbg.Enabled, dbg.HasEnabled = *raw.Enabled, true
		}
		return nil, dbg, nil
	}

	return parseSymbolication(raw, body)
}

func parseSymbolication(raw rawRequest, body []byte) (*SymbolicationRequest, *DebugRequest, error) {
	if raw.Version == nil || (*raw.Version != 3 && *raw.Version != 4) {
		return nil, nil, symerr.New(symerr.Validation, "version must be 3 or 4")
	}
	if raw.MemoryMap == nil {
		return nil, nil, symerr.New(symerr.Validation, "missing memoryMap")
	}
	if raw.Stacks == nil {
		return nil, nil, symerr.New(symerr.Validation, "missing stacks")
	}

	var full struct {
		Version   int           `json:"version"`
		MemoryMap [][]string    `json:"memoryMap"`
		Stacks    [][][]float64 `json:"stacks"`
	}
	if err := json.Unmarshal(body, &full); err != nil {
		return nil, nil, symerr.Wrap(symerr.Validation, err, "memoryMap/stacks malformed")
	}

	req := &SymbolicationRequest{
		Version:   full.Version,
		MemoryMap: make([]Module, len(full.MemoryMap)),
		Stacks:    make([][]Frame, len(full.Stacks)),
	}
	for i, pair := range full.MemoryMap {
		if len(pair) != 2 {
			return nil, nil, symerr.New(symerr.Validation, "memoryMap entry %d: expected a 2-element array, got %d elements", i, len(pair))
		}
		req.MemoryMap[i] = Module{LibName: pair[0], BreakpadID: pair[1]}
	}
	for i, stack := range full.Stacks {
		req.Stacks[i] = make([]Frame, len(stack))
		for j, pair := range stack {
			if len(pair) != 2 {
				return nil, nil, symerr.New(symerr.Validation, "stack %d frame %d: expected a 2-element array, got %d elements", i, j, len(pair))
			}
			moduleIndex := int(pair[0])
			if moduleIndex >= len(req.MemoryMap) {
				return nil, nil, symerr.New(symerr.Validation, "stack %d frame %d: moduleIndex %d out of range", i, j, moduleIndex)
			}
			req.Stacks[i][j] = Frame{ModuleIndex: moduleIndex, Offset: int64(pair[1])}
		}
	}
	return req, nil, nil
}
