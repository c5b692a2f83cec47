package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klppl/chainlog/internal/store"
)

// Admin is the node's observability sidecar: health, store stats,
// Prometheus metrics and recent log lines over plain HTTP. It is not
// part of the wire protocol and only runs when an admin address is
// configured.
type Admin struct {
	store  store.Store
	reg    *prometheus.Registry
	router *chi.Mux

	// Optional — set before Start is called.
	logBuffer *LogBuffer
}

// NewAdmin builds the admin surface over the shared store handle.
func NewAdmin(st store.Store, reg *prometheus.Registry) *Admin {
	a := &Admin{store: st, reg: reg}
	a.router = a.buildRouter()
	return a
}

// SetLogBuffer attaches the ring buffer served by /log.
func (a *Admin) SetLogBuffer(lb *LogBuffer) { a.logBuffer = lb }

func (a *Admin) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		st, err := a.store.Stats()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st)
	})

	r.Get("/log", func(w http.ResponseWriter, _ *http.Request) {
		var lines []string
		if a.logBuffer != nil {
			lines = a.logBuffer.Lines()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(lines)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))

	return r
}

// Handler exposes the router. Used by tests.
func (a *Admin) Handler() http.Handler { return a.router }

// Start runs the admin HTTP server until ctx is cancelled.
func (a *Admin) Start(ctx context.Context, addr string) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting admin server", "addr", addr)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("admin shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("admin server error", "error", err)
	}
}
