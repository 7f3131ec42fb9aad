package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"govotifier/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Addr        string
	AllowPublic bool
	Metrics     *metrics.Metrics
	// Health reports whether the vote listener is serving.
	Health func() error
}

// Server exposes health, prometheus metrics and pprof. It binds loopback
// only unless AllowPublic is set.
type Server struct {
	ln  net.Listener
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if !opts.AllowPublic && !isLoopbackBind(opts.Addr) {
		return nil, fmt.Errorf("admin addr must be loopback unless allow-public is set: %s", opts.Addr)
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen failed: %w", err)
	}
	return &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           Router(opts),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func Router(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status, code := "ok", http.StatusOK
		if opts.Health != nil {
			if err := opts.Health(); err != nil {
				status, code = err.Error(), http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}
	r.Mount("/debug", middleware.Profiler())
	return r
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
