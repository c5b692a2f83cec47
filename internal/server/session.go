// Package server holds the per-connection session state machine, the
// downstream chain link, the accept loop, and the admin HTTP surface of
// a chainlog node.
package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klppl/chainlog/internal/metrics"
	"github.com/klppl/chainlog/internal/store"
	"github.com/klppl/chainlog/internal/wire"
)

// Session binds one accepted connection to the shared store and the
// optional downstream link. Requests are handled strictly one at a
// time; after a Subscribe the session stops reading requests and turns
// into a one-way delivery stream.
type Session struct {
	peer  string
	conn  *wire.Conn
	store store.Store
	next  *Downstream
	log   *slog.Logger
}

// NewSession builds a session for one inbound connection. next may be
// nil on a tail (or standalone) node.
func NewSession(peer string, conn *wire.Conn, st store.Store, next *Downstream) *Session {
	return &Session{
		peer:  peer,
		conn:  conn,
		store: st,
		next:  next,
		log:   slog.With("peer", peer),
	}
}

// Run processes requests until the peer closes the connection or a
// fatal error occurs. A clean close between frames returns nil.
func (s *Session) Run() error {
	for {
		req, err := s.conn.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Debug("end of client stream")
				return nil
			}
			return err
		}
		metrics.RequestsTotal.WithLabelValues(metrics.OpLabel(req.Op)).Inc()

		if req.Op == wire.OpSubscribe {
			// The subscribe acknowledgment and everything after it
			// flow one way; this call only returns on failure.
			return s.serveSubscription(req)
		}

		resp, err := s.handle(req)
		if err != nil {
			return err
		}
		if err := s.conn.WriteResponse(resp); err != nil {
			return err
		}
	}
}

// handle dispatches one non-subscribe request.
func (s *Session) handle(req *wire.Request) (*wire.Response, error) {
	switch req.Op {
	case wire.OpRead:
		return s.read(req)
	case wire.OpWrite:
		s.log.Debug("write", "space", req.Space, "key_len", len(req.Key), "value_len", len(req.Value))
		if err := s.store.Write(req.Space, req.Key, req.Value); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		return s.forwardOr(req, wire.Okay(req.Sequence))
	case wire.OpTruncate:
		s.log.Debug("truncate", "space", req.Space)
		if err := s.store.Truncate(req.Space); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		return s.forwardOr(req, wire.Okay(req.Sequence))
	default:
		return nil, fmt.Errorf("%w: unexpected op 0x%02x", wire.ErrProtocol, req.Op)
	}
}

// forwardOr returns the downstream's response to the original request
// when a chain link exists, the locally built one otherwise. The local
// apply has already happened by the time this is called; chain
// replication commits at each node before forwarding.
func (s *Session) forwardOr(req *wire.Request, local *wire.Response) (*wire.Response, error) {
	if s.next == nil {
		return local, nil
	}
	return s.next.Handle(req)
}

// read queries the local store only. Any node is authoritative for
// reads in its own store; reads never travel the chain.
func (s *Session) read(req *wire.Request) (*wire.Response, error) {
	values, err := s.store.Read(req.Space, req.Key)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	s.log.Debug("read", "space", req.Space, "key_len", len(req.Key), "values", len(values))
	return wire.OkayData(req.Sequence, values), nil
}

// serveSubscription acknowledges the request, then pumps deliveries
// from the store iterator to the peer until the connection fails.
func (s *Session) serveSubscription(req *wire.Request) error {
	it, err := s.store.Subscribe(req.Space)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer it.Close()

	if err := s.conn.WriteResponse(wire.Okay(req.Sequence)); err != nil {
		return err
	}
	s.log.Debug("subscription started", "space", req.Space)

	for {
		d, err := it.Next()
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		if err := s.conn.WriteResponse(wire.Delivery(d)); err != nil {
			return err
		}
		metrics.DeliveriesTotal.Inc()
	}
}
