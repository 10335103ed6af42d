package diskcache

import (
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/applog"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/protocol"
)

// Router builds the DiskCache HTTP surface (spec §6): POST / accepts
// symbolication and debug bodies, GET / is a liveness probe.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleLiveness)
	r.Post("/", s.handleRequest)
	r.MethodNotAllowed(s.handleMethodNotAllowed)
	return r
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
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

	ctx := r.Context()
	var item *WorkItem
	if debugReq != nil {
		item = s.SubmitDebug(id, debugReq)
	} else {
		item = s.Submit(id, symReq)
	}

	resp, dbg, err := item.Completion.Wait(ctx)
	if err != nil {
		log.Errorf("request failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if debugReq != nil {
		_ = json.NewEncoder(w).Encode(dbg)
		return
	}
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
