package httpapi

import (
	"context"
	"log"
	"net/http"

	"github.com/srt-whep/bridge/internal/pipeline"
	"github.com/srt-whep/bridge/internal/registry"
)

// Server is the HTTP shell: route table, CORS and graceful shutdown.
type Server struct {
	addr string
	h    *Handlers
	srv  *http.Server
}

// New builds a Server listening on addr.
func New(addr string, reg *registry.Registry, ctrl pipeline.Controller) *Server {
	s := &Server{
		addr: addr,
		h:    NewHandlers(reg, ctrl),
	}
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the route table. Exposed so tests can mount it on an
// httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /channel", s.h.handleWHEPPost)
	mux.HandleFunc("OPTIONS /channel", s.h.handleOptions)
	mux.HandleFunc("PATCH /channel/{id}", s.h.handleWHEPPatch)
	mux.HandleFunc("DELETE /channel/{id}", s.h.handleWHEPDelete)
	mux.HandleFunc("OPTIONS /channel/{id}", s.h.handleOptions)

	mux.HandleFunc("POST /whip_sink/{id}", s.h.handleWHIPPost)

	mux.HandleFunc("GET /list", s.h.handleList)

	return mux
}

// ListenAndServe blocks serving HTTP until Shutdown or a listener
// error.
func (s *Server) ListenAndServe() error {
	log.Printf("http server listening on %s", s.addr)
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
