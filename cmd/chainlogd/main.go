// chainlogd is a replicated append-only keyed-log server. It runs as a
// single binary with SQLite by default, requiring no external database.
// Nodes chain linearly: each applies mutations locally, then forwards
// them to the next node before acknowledging upstream.
//
// Usage:
//
//	chainlogd <store-dir> <listen-addr>                    standalone node
//	chainlogd <store-dir> <listen-addr> <downstream-addr>  chained node
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/klppl/chainlog/internal/config"
	"github.com/klppl/chainlog/internal/metrics"
	"github.com/klppl/chainlog/internal/server"
	"github.com/klppl/chainlog/internal/store"
)

const dbFileName = "chainlog.db"

func main() {
	// A .env file is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	// Structured JSON logging, mirrored into the admin /log ring buffer.
	logBuf := server.NewLogBuffer(os.Stdout)
	slog.SetDefault(slog.New(slog.NewJSONHandler(logBuf, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	args := os.Args[1:]
	if len(args) < 2 || len(args) > 3 {
		fmt.Fprintln(os.Stderr, "usage: chainlogd <store-dir> <listen-addr> [downstream-addr]")
		os.Exit(2)
	}
	storeDir, listenAddr := args[0], args[1]
	downstreamAddr := ""
	if len(args) == 3 {
		downstreamAddr = args[2]
	}

	databaseURL := cfg.DatabaseURL
	if databaseURL == "" {
		if err := os.MkdirAll(storeDir, 0o755); err != nil {
			slog.Error("failed to create store directory", "dir", storeDir, "error", err)
			os.Exit(1)
		}
		databaseURL = filepath.Join(storeDir, dbFileName)
	}

	st, err := store.Open(databaseURL, store.Options{
		MaxConns:        cfg.StoreMaxConns,
		CheckoutTimeout: cfg.PoolCheckoutTimeout,
		SubscribeWait:   cfg.SubscribeWait,
		BusyRetrySleep:  cfg.BusyRetrySleep,
	})
	if err != nil {
		slog.Error("failed to open store", "url", databaseURL, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var next *server.Downstream
	if downstreamAddr != "" {
		next, err = server.DialDownstream(downstreamAddr)
		if err != nil {
			slog.Error("failed to connect downstream", "addr", downstreamAddr, "error", err)
			os.Exit(1)
		}
		defer next.Close()
		slog.Info("connected downstream", "addr", downstreamAddr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.AdminAddr != "" {
		reg := prometheus.NewRegistry()
		metrics.Register(reg)
		admin := server.NewAdmin(st, reg)
		admin.SetLogBuffer(logBuf)
		go admin.Start(ctx, cfg.AdminAddr)
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		slog.Error("failed to bind", "addr", listenAddr, "error", err)
		os.Exit(1)
	}

	if err := server.NewListener(st, next).Serve(ctx, ln); err != nil {
		slog.Error("accept loop failed", "error", err)
		os.Exit(1)
	}
	slog.Info("chainlogd stopped")
}
