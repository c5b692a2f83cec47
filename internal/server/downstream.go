package server

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klppl/chainlog/internal/metrics"
	"github.com/klppl/chainlog/internal/wire"
)

// ErrDownstream wraps every failure of a forwarded call: transport,
// codec, or a clean close mid-exchange. The downstream client never
// retries; the session above it propagates the failure to its client.
var ErrDownstream = errors.New("downstream error")

// Downstream owns the single framed connection to the next node in the
// chain. The mutex spans send-then-receive, so forwarded requests are
// strictly serial on a chain link and responses pair up by arrival
// order. The echoed sequence field lets a future pipelined dispatcher
// correlate instead; it is preserved end-to-end today.
type Downstream struct {
	mu   sync.Mutex
	conn *wire.Conn
}

// DialDownstream connects to the next chain node at host:port.
func DialDownstream(addr string) (*Downstream, error) {
	conn, err := wire.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownstream, err)
	}
	return &Downstream{conn: conn}, nil
}

// NewDownstream wraps an already framed connection. Used by tests.
func NewDownstream(conn *wire.Conn) *Downstream {
	return &Downstream{conn: conn}
}

// Handle forwards one request and blocks for its response.
func (d *Downstream) Handle(req *wire.Request) (*wire.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.conn.WriteRequest(req); err != nil {
		metrics.DownstreamErrors.Inc()
		return nil, fmt.Errorf("%w: send: %v", ErrDownstream, err)
	}
	resp, err := d.conn.ReadResponse()
	if err != nil {
		metrics.DownstreamErrors.Inc()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: connection closed mid-exchange", ErrDownstream)
		}
		return nil, fmt.Errorf("%w: receive: %v", ErrDownstream, err)
	}
	return resp, nil
}

// Close closes the chain link.
func (d *Downstream) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.Close()
}
