package web

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/cjeanneret/CoilGo/internal/logic/motion"
)

// statusInterval caps the rate of status events on the SSE stream.
const statusInterval = 100 * time.Millisecond

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, ctrl *motion.Controller, runProgram RunProgramFunc, formDefaults FormConfig) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}

	handlers := NewHandlers(broadcaster, ctrl, runProgram, formDefaults, subFS)

	return &Server{
		addr:     addr,
		handlers: handlers,
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("POST /move", s.handlers.HandleMove)
	mux.HandleFunc("POST /release", s.handlers.HandleRelease)
	mux.HandleFunc("POST /settings", s.handlers.HandleSettings)
	mux.HandleFunc("POST /program", s.handlers.HandleProgram)
	mux.HandleFunc("GET /config", s.handlers.HandleConfig)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and the status relay, and blocks until ctx is
// cancelled, then shuts down gracefully. The controller's poll loop is run
// by the caller.
func (s *Server) Run(ctx context.Context) error {
	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	go s.handlers.Broadcaster.Forward(relayCtx, s.handlers.Motion.Updates(), statusInterval)

	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
