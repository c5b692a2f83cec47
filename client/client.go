// Package client is the application-facing library for talking to a
// chainlog node. A client binds one connection to one space, named by
// the bootstrap URL; writes go to the head of a chain, reads and
// subscriptions to the tail.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/klppl/chainlog/internal/wire"
)

// Datum is a key/value pair returned by reads and subscriptions. Read
// results carry empty keys (the response schema ships values only);
// deliveries carry the written key.
type Datum = wire.Datum

// ErrInvalidURL reports a bootstrap URL that parses but lacks a host,
// port or space path.
var ErrInvalidURL = errors.New("client: invalid url")

// ErrProtocol reports a semantically unexpected response, e.g. data
// where a plain okay was expected, or a connection closed mid-exchange.
var ErrProtocol = wire.ErrProtocol

// Client is one framed connection bound to a space. It is not safe for
// concurrent use; the protocol is strictly synchronous.
type Client struct {
	conn  *wire.Conn
	space string
	seq   atomic.Uint64
}

// Connect parses a location of the form scheme://host:port/space and
// opens a connection. The scheme is free-form; host, port and a
// non-empty path are all required. The path, stripped of its leading
// slash, becomes the space bound to this client.
func Connect(rawurl string) (*Client, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("client: parse url %q: %w", rawurl, err)
	}
	host, port := u.Hostname(), u.Port()
	space := strings.TrimPrefix(u.Path, "/")
	if host == "" || port == "" || space == "" {
		return nil, fmt.Errorf("%w: %q (need scheme://host:port/space)", ErrInvalidURL, rawurl)
	}

	conn, err := wire.Dial(net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, space: space}, nil
}

// Space returns the space this client is bound to.
func (c *Client) Space() string { return c.space }

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// nextSeq hands out the per-client request sequence, starting at 0.
func (c *Client) nextSeq() uint64 {
	return c.seq.Add(1) - 1
}

// roundTrip sends one request and blocks for its response. A clean
// close before the response is a protocol error: every request is owed
// exactly one Okay/OkayData.
func (c *Client) roundTrip(req *wire.Request) (*wire.Response, error) {
	if err := c.conn.WriteRequest(req); err != nil {
		return nil, err
	}
	resp, err := c.conn.ReadResponse()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: connection closed awaiting response", ErrProtocol)
		}
		return nil, err
	}
	return resp, nil
}

// Write appends value under key and waits for the chain to acknowledge.
func (c *Client) Write(key, value []byte) error {
	resp, err := c.roundTrip(&wire.Request{
		Sequence: c.nextSeq(),
		Space:    c.space,
		Op:       wire.OpWrite,
		Key:      key,
		Value:    value,
	})
	if err != nil {
		return err
	}
	if resp.Body != wire.BodyOkay {
		return fmt.Errorf("%w: expected okay, got body 0x%02x", ErrProtocol, resp.Body)
	}
	return nil
}

// Read returns every value ever written under key in this space, in
// write order.
func (c *Client) Read(key []byte) ([]Datum, error) {
	resp, err := c.roundTrip(&wire.Request{
		Sequence: c.nextSeq(),
		Space:    c.space,
		Op:       wire.OpRead,
		Key:      key,
	})
	if err != nil {
		return nil, err
	}
	if resp.Body != wire.BodyOkayData {
		return nil, fmt.Errorf("%w: expected data, got body 0x%02x", ErrProtocol, resp.Body)
	}
	data := make([]Datum, 0, len(resp.Values))
	for _, v := range resp.Values {
		data = append(data, Datum{Value: v})
	}
	return data, nil
}

// Truncate removes every record in this client's space, across the
// whole chain.
func (c *Client) Truncate() error {
	resp, err := c.roundTrip(&wire.Request{
		Sequence: c.nextSeq(),
		Space:    c.space,
		Op:       wire.OpTruncate,
	})
	if err != nil {
		return err
	}
	if resp.Body != wire.BodyOkay {
		return fmt.Errorf("%w: expected okay, got body 0x%02x", ErrProtocol, resp.Body)
	}
	return nil
}

// Subscribe consumes the client and turns the connection into a
// delivery stream carrying every record in the space from the
// beginning, past and future.
func (c *Client) Subscribe() (*Subscription, error) {
	resp, err := c.roundTrip(&wire.Request{
		Sequence: c.nextSeq(),
		Space:    c.space,
		Op:       wire.OpSubscribe,
	})
	if err != nil {
		return nil, err
	}
	if resp.Body != wire.BodyOkay {
		return nil, fmt.Errorf("%w: expected okay, got body 0x%02x", ErrProtocol, resp.Body)
	}
	return &Subscription{conn: c.conn}, nil
}

// Subscription is the one-way delivery stream following a subscribe
// acknowledgment. Close the subscription to cancel it; the server
// observes the closed transport.
type Subscription struct {
	conn *wire.Conn
}

// Next blocks for the next delivery. It returns (nil, nil) when the
// server closes the stream cleanly.
func (s *Subscription) Next() (*Datum, error) {
	resp, err := s.conn.ReadResponse()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	switch resp.Body {
	case wire.BodyDelivery:
		d := resp.Datum
		return &d, nil
	case wire.BodyOkay:
		// Historical encoders signalled end-of-stream with a bare okay.
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unexpected body 0x%02x in delivery stream", ErrProtocol, resp.Body)
	}
}

// Close tears down the stream.
func (s *Subscription) Close() error { return s.conn.Close() }
