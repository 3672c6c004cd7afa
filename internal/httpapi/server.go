// Package httpapi exposes the sync engine's two external HTTP surfaces:
// provider push callbacks (C8) and the retrieval search endpoint (C12).
package httpapi

import (
	"net/http"

	"aisync/internal/domain"
	"aisync/internal/pushhandler"
	"aisync/internal/retrieval"
)

// PushHandlers maps each push-capable source to its Handler.
type PushHandlers map[domain.Source]*pushhandler.Handler

// Server is the sync engine's HTTP surface.
type Server struct {
	push      PushHandlers
	retrieval *retrieval.Retrieval
	mux       *http.ServeMux
}

// NewServer builds a Server wired to the given push handlers (by source) and
// the Retrieval component.
func NewServer(push PushHandlers, ret *retrieval.Retrieval) *Server {
	s := &Server{push: push, retrieval: ret, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /api/v1/push/{source}", s.handlePushCallback)
	s.mux.HandleFunc("POST /api/v1/search", s.handleSearch)
}
