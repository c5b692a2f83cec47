package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/klppl/chainlog/internal/wire"
)

// Options tunes the SQL backend. Zero values pick the defaults below.
type Options struct {
	MaxConns        int           // connection pool size
	CheckoutTimeout time.Duration // bound on pool checkout for subscribers
	SubscribeWait   time.Duration // one blocking interval in Iterator.Next
	BusyRetrySleep  time.Duration // pause between transient-busy retries
}

const (
	defaultMaxConns        = 4
	defaultCheckoutTimeout = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = defaultMaxConns
	}
	if o.CheckoutTimeout <= 0 {
		o.CheckoutTimeout = defaultCheckoutTimeout
	}
	if o.SubscribeWait <= 0 {
		o.SubscribeWait = defaultWait
	}
	if o.BusyRetrySleep <= 0 {
		o.BusyRetrySleep = time.Millisecond
	}
	return o
}

// SQLStore is the durable backend: a single logs table keyed by
// (space, seq), reached through a database/sql pool so concurrent
// subscribers and writers do not serialize on one connection.
type SQLStore struct {
	db     *sql.DB
	driver string
	opts   Options
	notify *seqNotifier

	closeOnce sync.Once
	closed    chan struct{}
}

// Open opens the durable store. The URL can be:
//   - A file path like "data/chainlog.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string, opts Options) (*SQLStore, error) {
	driver, dsn := detectDriver(databaseURL)
	opts = opts.withDefaults()

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxConns)
	db.SetMaxIdleConns(opts.MaxConns)

	if driver == "sqlite" {
		// WAL mode allows multiple concurrent readers alongside one
		// writer; busy_timeout makes SQLite's writer serialisation
		// graceful rather than returning SQLITE_BUSY immediately. The
		// retryBusy wrapper below covers whatever still slips through.
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
			}
		}
	}

	s := &SQLStore{
		db:     db,
		driver: driver,
		opts:   opts,
		notify: newSeqNotifier(),
		closed: make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("log store opened", "driver", driver, "max_conns", opts.MaxConns)
	return s, nil
}

func (s *SQLStore) migrate() error {
	var ddl string
	if s.driver == "sqlite" {
		ddl = `CREATE TABLE IF NOT EXISTS logs (
			space  TEXT NOT NULL,
			seq    INTEGER NOT NULL,
			key    BLOB NOT NULL,
			value  BLOB NOT NULL,
			PRIMARY KEY (space, seq)
		)`
	} else {
		ddl = `CREATE TABLE IF NOT EXISTS logs (
			space  TEXT NOT NULL,
			seq    BIGINT NOT NULL,
			key    BYTEA NOT NULL,
			value  BYTEA NOT NULL,
			PRIMARY KEY (space, seq)
		)`
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Close closes the pool and unblocks waiting subscribers.
func (s *SQLStore) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.db.Close()
}

// retryBusy retries f indefinitely on transient busy/locked or
// write-write conflict errors, sleeping briefly between attempts.
// Non-transient errors propagate immediately.
func (s *SQLStore) retryBusy(f func() error) error {
	for {
		err := f()
		if err == nil || !isTransient(err) {
			return err
		}
		time.Sleep(s.opts.BusyRetrySleep)
	}
}

// isTransient classifies errors worth a blind retry: SQLite lock
// contention, and the unique-key conflict two concurrent PostgreSQL
// writers produce when they race for the same next seq.
func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "duplicate key value")
}

// Truncate removes all records in space.
func (s *SQLStore) Truncate(space string) error {
	err := s.retryBusy(func() error {
		_, err := s.db.Exec(`DELETE FROM logs WHERE space = `+s.ph(1), space)
		return err
	})
	if err != nil {
		return fmt.Errorf("truncate %q: %w", space, err)
	}
	return nil
}

// Read returns the values under (space, key) in seq order.
func (s *SQLStore) Read(space string, key []byte) ([][]byte, error) {
	var q string
	if s.driver == "sqlite" {
		q = `SELECT value FROM logs WHERE space = ? AND key = ? ORDER BY seq ASC`
	} else {
		q = `SELECT value FROM logs WHERE space = $1 AND key = $2 ORDER BY seq ASC`
	}
	rows, err := s.db.Query(q, space, key)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", space, err)
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Write appends one record. The next per-space seq and the insert are a
// single atomic statement, so a fresh space (or one just truncated)
// restarts at seq 0. The assigned seq is published to subscribers only
// after the row is durably in place.
func (s *SQLStore) Write(space string, key, value []byte) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO logs (space, seq, key, value)
			SELECT ?, COALESCE(MAX(seq)+1, 0), ?, ? FROM logs WHERE space = ?
			RETURNING seq`
	} else {
		q = `INSERT INTO logs (space, seq, key, value)
			SELECT $1, COALESCE(MAX(seq)+1, 0), $2, $3 FROM logs WHERE space = $4
			RETURNING seq`
	}
	var seq int64
	err := s.retryBusy(func() error {
		return s.db.QueryRow(q, space, key, value, space).Scan(&seq)
	})
	if err != nil {
		return fmt.Errorf("write %q: %w", space, err)
	}
	s.notify.advance(seq)
	return nil
}

// Subscribe pins a pool connection for the iterator so a slow consumer
// never starves writers of its own handle. Checkout is bounded; a pool
// exhausted for longer than the timeout is an error, not a retry.
func (s *SQLStore) Subscribe(space string) (Iterator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CheckoutTimeout)
	defer cancel()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: pool checkout: %w", space, err)
	}
	return &sqlIterator{
		store: s,
		conn:  conn,
		space: space,
		done:  make(chan struct{}),
	}, nil
}

// Stats reports distinct spaces and total records.
func (s *SQLStore) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(
		`SELECT COUNT(DISTINCT space), COUNT(*) FROM logs`,
	).Scan(&st.Spaces, &st.Records)
	if err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// ph returns the SQL placeholder token for a single-argument query.
// SQLite uses ? and PostgreSQL uses $n.
func (s *SQLStore) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}

// sqlIterator walks one space in seq order on its own connection. Each
// step looks up exactly (space, seq = nextIdx); a missing slot means
// the iterator caught up and waits on the store notifier.
type sqlIterator struct {
	store   *SQLStore
	conn    *sql.Conn
	space   string
	nextIdx int64

	once sync.Once
	done chan struct{}
}

func (it *sqlIterator) Next() (wire.Datum, error) {
	var q string
	if it.store.driver == "sqlite" {
		q = `SELECT seq, key, value FROM logs WHERE space = ? AND seq = ?`
	} else {
		q = `SELECT seq, key, value FROM logs WHERE space = $1 AND seq = $2`
	}
	for {
		select {
		case <-it.done:
			return wire.Datum{}, ErrClosed
		case <-it.store.closed:
			return wire.Datum{}, ErrClosed
		default:
		}

		var (
			seq int64
			d   wire.Datum
			hit bool
		)
		err := it.store.retryBusy(func() error {
			err := it.conn.QueryRowContext(context.Background(), q, it.space, it.nextIdx).
				Scan(&seq, &d.Key, &d.Value)
			if errors.Is(err, sql.ErrNoRows) {
				hit = false
				return nil
			}
			if err != nil {
				return err
			}
			hit = true
			return nil
		})
		if err != nil {
			// A close racing a query surfaces as a dead connection;
			// report it as the closed iterator it is.
			select {
			case <-it.done:
				return wire.Datum{}, ErrClosed
			case <-it.store.closed:
				return wire.Datum{}, ErrClosed
			default:
			}
			return wire.Datum{}, fmt.Errorf("subscribe %q: %w", it.space, err)
		}
		if hit {
			it.nextIdx = seq + 1
			return d, nil
		}

		if err := it.store.notify.wait(it.nextIdx, it.store.opts.SubscribeWait, it.done); err != nil {
			return wire.Datum{}, err
		}
	}
}

func (it *sqlIterator) Close() error {
	var err error
	it.once.Do(func() {
		close(it.done)
		err = it.conn.Close()
	})
	return err
}
