package store

import (
	"sync"
	"time"

	"github.com/klppl/chainlog/internal/wire"
)

// defaultWait bounds a single blocking interval in Iterator.Next.
const defaultWait = time.Second

type spaceKey struct {
	space string
	key   string
}

type memRecord struct {
	space string
	key   []byte
	value []byte
}

// MemStore keeps the whole log in memory behind a single lock: an index
// (space, key) → append-ordered seq slots, the slot map itself, and a
// global seq counter. Handy for tests and for nodes that do not need
// durability.
type MemStore struct {
	mu      sync.Mutex
	byKey   map[spaceKey][]uint64
	vals    map[uint64]memRecord
	nextSeq uint64

	notify *seqNotifier
	wait   time.Duration
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		byKey:  make(map[spaceKey][]uint64),
		vals:   make(map[uint64]memRecord),
		notify: newSeqNotifier(),
		wait:   defaultWait,
	}
}

// Truncate removes all records in space. Other spaces and the seq
// counter are untouched.
func (m *MemStore) Truncate(space string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, seqs := range m.byKey {
		if k.space != space {
			continue
		}
		for _, seq := range seqs {
			delete(m.vals, seq)
		}
		delete(m.byKey, k)
	}
	return nil
}

// Read returns the values ever written to (space, key), in write order.
func (m *MemStore) Read(space string, key []byte) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seqs := m.byKey[spaceKey{space, string(key)}]
	out := make([][]byte, 0, len(seqs))
	for _, seq := range seqs {
		if rec, ok := m.vals[seq]; ok {
			out = append(out, rec.value)
		}
	}
	return out, nil
}

// Write appends one record and wakes subscribers.
func (m *MemStore) Write(space string, key, value []byte) error {
	m.mu.Lock()
	seq := m.nextSeq
	sk := spaceKey{space, string(key)}
	m.byKey[sk] = append(m.byKey[sk], seq)
	m.vals[seq] = memRecord{space: space, key: key, value: value}
	m.nextSeq++
	m.mu.Unlock()

	m.notify.advance(int64(seq))
	return nil
}

// Subscribe returns an iterator over space from seq 0.
func (m *MemStore) Subscribe(space string) (Iterator, error) {
	return &memIterator{store: m, space: space, done: make(chan struct{})}, nil
}

// Stats reports the number of distinct spaces and live records.
func (m *MemStore) Stats() (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spaces := make(map[string]struct{})
	for k := range m.byKey {
		spaces[k.space] = struct{}{}
	}
	return Stats{Spaces: int64(len(spaces)), Records: int64(len(m.vals))}, nil
}

// Close is a no-op for the in-memory backend; open iterators keep their
// own done channels.
func (m *MemStore) Close() error { return nil }

// memIterator scans the global seq slots from 0, yielding records whose
// space matches and skipping slots truncated away. The store lock is
// held per slot, released between yields.
type memIterator struct {
	store   *MemStore
	space   string
	nextIdx uint64

	once sync.Once
	done chan struct{}
}

func (it *memIterator) Next() (wire.Datum, error) {
	for {
		select {
		case <-it.done:
			return wire.Datum{}, ErrClosed
		default:
		}

		it.store.mu.Lock()
		for it.nextIdx < it.store.nextSeq {
			rec, ok := it.store.vals[it.nextIdx]
			it.nextIdx++
			if ok && rec.space == it.space {
				it.store.mu.Unlock()
				return wire.Datum{Key: rec.key, Value: rec.value}, nil
			}
		}
		next := int64(it.nextIdx)
		it.store.mu.Unlock()

		if err := it.store.notify.wait(next, it.store.wait, it.done); err != nil {
			return wire.Datum{}, err
		}
	}
}

func (it *memIterator) Close() error {
	it.once.Do(func() { close(it.done) })
	return nil
}
