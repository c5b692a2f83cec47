// Package store provides the append-only per-space keyed log behind a
// chainlog node. Two backends implement the same capability set: an
// in-memory store for tests and ephemeral nodes, and a SQL-backed store
// (SQLite by default, PostgreSQL for larger deployments) for durable
// ones.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/klppl/chainlog/internal/wire"
)

// ErrClosed is returned by Iterator.Next after Close.
var ErrClosed = errors.New("store: subscription closed")

// emptySeq is the notifier's value before any write has landed.
const emptySeq = -1

// Store is the capability set shared by all backends. Spaces are
// disjoint keyspaces: Truncate, Read and Subscribe each affect exactly
// one. Write appends a record with a fresh, strictly increasing seq and
// wakes subscribers; it either fully persists or leaves no trace.
type Store interface {
	// Truncate removes every record in space, atomically with respect
	// to readers of the same space.
	Truncate(space string) error

	// Read returns every value written to (space, key) since the last
	// truncate of space, in append order.
	Read(space string, key []byte) ([][]byte, error)

	// Write appends one record under (space, key).
	Write(space string, key, value []byte) error

	// Subscribe returns an iterator over every record in space from the
	// beginning of the log, blocking when it catches up. The iterator
	// is infinite; it ends only via Close.
	Subscribe(space string) (Iterator, error)

	// Stats reports aggregate counts for the admin surface.
	Stats() (Stats, error)

	// Close releases the backend. On the SQL backend, blocked iterators
	// observe ErrClosed within one wait interval; the in-memory
	// backend's Close is a no-op and does not end open iterators.
	Close() error
}

// Iterator yields one Datum per appended record, in seq order.
type Iterator interface {
	// Next blocks until a record is available or the iterator closes.
	Next() (wire.Datum, error)
	Close() error
}

// Stats holds aggregate counts returned by Store.Stats.
type Stats struct {
	Spaces  int64 `json:"spaces"`
	Records int64 `json:"records"`
}

// seqNotifier is the store-wide append coordination point: the highest
// seq handed out so far, plus a broadcast channel swapped on every
// advance. A single instance-wide high-water mark is sufficient because
// subscribers re-check their own cursor against the log after each
// wakeup and filter by space when reading.
type seqNotifier struct {
	mu      sync.Mutex
	lastSeq int64
	ch      chan struct{}
}

func newSeqNotifier() *seqNotifier {
	return &seqNotifier{lastSeq: emptySeq, ch: make(chan struct{})}
}

// advance publishes a newly assigned seq and wakes all waiters.
func (n *seqNotifier) advance(seq int64) {
	n.mu.Lock()
	if seq > n.lastSeq {
		n.lastSeq = seq
	}
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}

// wait blocks until lastSeq reaches at least next, the timeout lapses,
// or done closes. The timeout is deliberate: waiters retest their
// cursor afterwards, so a lost wakeup costs one interval, never a
// permanent sleep.
func (n *seqNotifier) wait(next int64, timeout time.Duration, done <-chan struct{}) error {
	n.mu.Lock()
	if n.lastSeq >= next {
		n.mu.Unlock()
		return nil
	}
	ch := n.ch
	n.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-done:
		return ErrClosed
	}
	return nil
}
