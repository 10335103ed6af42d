package symserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/applog"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/protocol"
)

// Router builds the SymServer HTTP surface (spec §6): POST / for
// symbolication and debug bodies, GET /__lbheartbeat__ for the load
// balancer probe, GET /__heartbeat__ rewritten into a debug heartbeat POST
// to the DiskCache.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/__lbheartbeat__", s.handleLBHeartbeat)
	r.Get("/__heartbeat__", s.handleHeartbeat)
	r.Post("/", s.handleRequest)
	r.MethodNotAllowed(s.handleMethodNotAllowed)
	return r
}

func (s *Server) handleLBHeartbeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, _ := json.Marshal(map[string]interface{}{"debug": true, "action": "heartbeat"})
	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.cfg.DiskCacheServer, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(httpReq)
	if err != nil {
		applog.Errorf("symserver", "heartbeat to disk cache failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	applog.WithField("method", r.Method).Warnf("rejecting unsupported method on %s", r.URL.Path)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	remoteIP := clientIP(r)
	log := applog.WithField("id", id).WithField("remoteIP", remoteIP)

	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		log.Warnf("failed to read request body: %v", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	symReq, debugReq, err := protocol.Parse(body, isLoopback(remoteIP))
	if err != nil {
		log.Warnf("invalid request: %v", err)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if debugReq != nil {
		result, err := s.handleDebug(debugReq)
		if err != nil {
			log.Warnf("debug action %q failed: %v", debugReq.Action, err)
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
		return
	}

	resp, err := s.Symbolicate(r.Context(), symReq)
	if err != nil {
		log.Errorf("symbolication failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if symReq.Version == 3 {
		_ = json.NewEncoder(w).Encode(resp.SymbolicatedStacks)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
