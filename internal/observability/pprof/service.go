package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "delayq/internal/runtime/supervisor"
	logx "delayq/pkg/logx"
)

const (
	DefaultAddr     = "127.0.0.1:6060"
	shutdownTimeout = 2 * time.Second
)

var ErrInsecureBind = errors.New("pprof refused to start: non-loopback addr")

// Config controls the optional pprof HTTP server.
// Only loopback addresses are accepted.
type Config struct {
	Enabled bool
	Addr    string
}

// StatusFunc returns a JSON-serializable diagnostics value served at
// /debug/delayq.
type StatusFunc func() any

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	status StatusFunc

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger, status StatusFunc) *Service {
	return &Service{cfg: cfg, log: log.With(logx.String("comp", "pprof")), status: status}
}

// Addr returns the bound address, or "" when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops or restarts the server.
// Safe to call during hot reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
		return nil
	case !running:
		return s.Start(ctx)
	case addrOrDefault(prev.Addr) != addrOrDefault(cfg.Addr):
		s.Stop(ctx)
		return s.Start(ctx)
	}
	return nil
}

// Start binds the listener and serves in a supervised goroutine.
// It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil || !s.cfg.Enabled {
		return nil
	}

	addr := addrOrDefault(s.cfg.Addr)
	if !isLoopbackAddr(addr) {
		s.log.Error("pprof refused to start", logx.String("addr", addr))
		return ErrInsecureBind
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.mux(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.ln, s.srv, s.sup = ln, srv, sup

	sup.Go("http.serve", func(c context.Context) error {
		go func() {
			<-c.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			_ = srv.Shutdown(sctx)
			cancel()
		}()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("pprof started", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.ln, s.srv, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}

	_ = srv.Shutdown(ctx)
	_ = srv.Close()
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("pprof stopped")
}

func (s *Service) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	if s.status != nil {
		mux.HandleFunc("/debug/delayq", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(s.status()); err != nil {
				s.log.Warn("status encode failed", logx.Err(err))
			}
		})
	}
	return mux
}

func addrOrDefault(addr string) string {
	if a := strings.TrimSpace(addr); a != "" {
		return a
	}
	return DefaultAddr
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
