package symserver

import (
	"github.com/mozilla/Snappy-Symbolication-Server/internal/protocol"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/symerr"
)

// handleDebug dispatches the SymServer-side debug actions (spec §6):
// outputCacheHits flips the process-wide flag, cacheEvict deletes a single
// L1 entry.
func (s *Server) handleDebug(req *protocol.DebugRequest) (interface{}, error) {
	switch req.Action {
	case "outputCacheHits":
		if !req.HasEnabled {
			return nil, symerr.New(symerr.Validation, "outputCacheHits requires enabled")
		}
		s.SetOutputCacheHits(req.Enabled)
		return map[string]interface{}{"success": true}, nil
	case "cacheEvict":
		if !req.HasOffset {
			return nil, symerr.New(symerr.Validation, "cacheEvict requires offset")
		}
		s.DebugCacheEvict(req.LibName, req.BreakpadID, req.Offset)
		return map[string]interface{}{"success": true}, nil
	default:
		return nil, symerr.New(symerr.Validation, "unknown debug action: %s", req.Action)
	}
}
