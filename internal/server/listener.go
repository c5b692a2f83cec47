package server

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/klppl/chainlog/internal/metrics"
	"github.com/klppl/chainlog/internal/store"
	"github.com/klppl/chainlog/internal/wire"
)

// Listener accepts inbound connections and runs one session worker per
// connection. All sessions share the one store handle and, on a chained
// node, the one downstream link.
type Listener struct {
	store store.Store
	next  *Downstream
}

// NewListener builds a listener over a shared store and an optional
// downstream link.
func NewListener(st store.Store, next *Downstream) *Listener {
	return &Listener{store: st, next: next}
}

// Serve accepts connections on ln until ctx is cancelled. A session
// failure is logged and does not stop the accept loop.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("listening started, ready to accept", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		peer := conn.RemoteAddr().String()
		metrics.SessionsTotal.Inc()
		metrics.SessionsActive.Inc()
		go func() {
			defer conn.Close()
			defer metrics.SessionsActive.Dec()
			slog.Debug("accepted stream", "peer", peer)
			sess := NewSession(peer, wire.NewConn(conn), l.store, l.next)
			if err := sess.Run(); err != nil {
				metrics.SessionErrors.Inc()
				slog.Error("session failed", "peer", peer, "error", err)
			}
		}()
	}
}
