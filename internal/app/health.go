package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"tutorbot/internal/config"
)

// healthServer is the local HTTP listener behind config.health. It serves
// /healthz and, when enabled, the pprof endpoints.
type healthServer struct {
	mu    sync.Mutex
	log   *slog.Logger
	srv   *http.Server
	ln    net.Listener
	addr  string
	pprof bool

	started time.Time
	status  func() map[string]any
}

func newHealthServer(log *slog.Logger, status func() map[string]any) *healthServer {
	return &healthServer{
		log:     log.With(slog.String("comp", "health")),
		started: time.Now(),
		status:  status,
	}
}

// Apply starts or stops the listener to match cfg. Safe on hot-reload.
func (h *healthServer) Apply(ctx context.Context, cfg config.HealthConfig) {
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8190"
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !cfg.Enabled {
		h.stopLocked(ctx)
		return
	}
	if h.srv != nil && h.addr == addr && h.pprof == cfg.Pprof {
		return
	}

	h.stopLocked(ctx)
	h.startLocked(addr, cfg.Pprof)
}

func (h *healthServer) startLocked(addr string, withPprof bool) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status": "ok",
			"uptime": time.Since(h.started).Round(time.Second).String(),
		}
		if h.status != nil {
			for k, v := range h.status() {
				body[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	if withPprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		h.log.Warn("health listen failed", slog.String("addr", addr), slog.String("err", err.Error()))
		return
	}

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	h.srv = srv
	h.ln = ln
	h.addr = ln.Addr().String()
	h.pprof = withPprof

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Warn("health server error", slog.String("err", err.Error()))
		}
	}()
	h.log.Info("health endpoint enabled", slog.String("addr", h.addr), slog.Bool("pprof", withPprof))
}

func (h *healthServer) Stop(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked(ctx)
}

func (h *healthServer) stopLocked(ctx context.Context) {
	if h.srv == nil {
		return
	}
	srv := h.srv
	ln := h.ln
	addr := h.addr
	h.srv = nil
	h.ln = nil
	h.addr = ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		h.log.Warn("health shutdown error", slog.String("err", err.Error()))
	}
	if ln != nil {
		_ = ln.Close()
	}
	h.log.Info("health endpoint disabled", slog.String("addr", addr))
}
