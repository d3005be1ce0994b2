package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/arl/statsviz"
)

// DebugServer serves the statsviz runtime dashboard at /debug/statsviz/.
type DebugServer struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// StartDebugServer listens on addr and serves the dashboard in the
// background.
func StartDebugServer(addr string, logger *slog.Logger) (*DebugServer, error) {
	mux := http.NewServeMux()

	if err := statsviz.Register(mux); err != nil {
		return nil, fmt.Errorf("register statsviz: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	s := &DebugServer{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:     ln,
		logger: logger,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("debug server", "err", err)
		}
	}()

	logger.Info("debug server listening", "addr", s.Addr())

	return s, nil
}

// Addr returns the address the server is listening on.
func (s *DebugServer) Addr() string {
	return s.ln.Addr().String()
}

func (s *DebugServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
