package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klppl/chainlog/internal/wire"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{
		SubscribeWait: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLReadEmpty(t *testing.T) {
	s := openTestStore(t)
	vals, err := s.Read("space", []byte("key"))
	require.NoError(t, err)
	require.Empty(t, vals)
}

func TestSQLWriteReadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, s.Write("s", []byte("key"), []byte(v)))
	}
	require.NoError(t, s.Write("s", []byte("other"), []byte("x")))

	vals, err := s.Read("s", []byte("key"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, vals)
}

func TestSQLSeqDensePerSpace(t *testing.T) {
	s := openTestStore(t)
	// Interleave spaces; each space's seq must still count 0,1,2,...
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Write("s1", []byte("k"), []byte{byte(i)}))
		require.NoError(t, s.Write("s2", []byte("k"), []byte{byte(i)}))
	}
	for _, space := range []string{"s1", "s2"} {
		var min, max, count int64
		err := s.db.QueryRow(
			`SELECT MIN(seq), MAX(seq), COUNT(*) FROM logs WHERE space = ?`, space,
		).Scan(&min, &max, &count)
		require.NoError(t, err)
		require.EqualValues(t, 0, min)
		require.EqualValues(t, 2, max)
		require.EqualValues(t, 3, count)
	}
}

func TestSQLTruncateRestartsSeq(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Write("s", []byte("k"), []byte("old")))
	require.NoError(t, s.Write("s", []byte("k"), []byte("old2")))
	require.NoError(t, s.Truncate("s"))
	require.NoError(t, s.Write("s", []byte("k"), []byte("new")))

	var seq int64
	err := s.db.QueryRow(`SELECT seq FROM logs WHERE space = ?`, "s").Scan(&seq)
	require.NoError(t, err)
	require.EqualValues(t, 0, seq)

	vals, err := s.Read("s", []byte("k"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("new")}, vals)
}

func TestSQLTruncateIsolation(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Write("s1", []byte("key"), []byte("one")))
	require.NoError(t, s.Write("s2", []byte("key"), []byte("two")))

	require.NoError(t, s.Truncate("s1"))

	vals, err := s.Read("s1", []byte("key"))
	require.NoError(t, err)
	require.Empty(t, vals)

	vals, err = s.Read("s2", []byte("key"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("two")}, vals)
}

func TestSQLPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Write("s", []byte("k"), []byte("v")))
	require.NoError(t, s.Close())

	s, err = Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()
	vals, err := s.Read("s", []byte("k"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("v")}, vals)
}

func TestSQLSubscribeCompleteness(t *testing.T) {
	s := openTestStore(t)
	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, s.Write("s", []byte("k"), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, s.Write("noise", []byte("k"), []byte("x")))

	it, err := s.Subscribe("s")
	require.NoError(t, err)
	defer it.Close()

	for i := 0; i < n; i++ {
		d, err := it.Next()
		require.NoError(t, err)
		require.Equal(t, []byte("k"), d.Key)
		require.Equal(t, []byte(fmt.Sprintf("v%d", i)), d.Value)
	}
}

func TestSQLSubscribeConcurrent(t *testing.T) {
	s := openTestStore(t)

	it, err := s.Subscribe("s")
	require.NoError(t, err)
	defer it.Close()

	const n = 20
	ready := make(chan struct{})
	got := make(chan wire.Datum, n)
	go func() {
		close(ready)
		for i := 0; i < n; i++ {
			d, err := it.Next()
			if err != nil {
				return
			}
			got <- d
		}
	}()

	<-ready
	for i := 0; i < n; i++ {
		require.NoError(t, s.Write("s", []byte("k"), []byte(fmt.Sprintf("v%d", i))))
	}

	for i := 0; i < n; i++ {
		select {
		case d := <-got:
			require.Equal(t, []byte(fmt.Sprintf("v%d", i)), d.Value)
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i)
		}
	}
}

func TestSQLIteratorCloseUnblocksNext(t *testing.T) {
	s := openTestStore(t)

	it, err := s.Subscribe("s")
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := it.Next()
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, it.Close())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestSQLStats(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Write("s1", []byte("a"), []byte("1")))
	require.NoError(t, s.Write("s1", []byte("b"), []byte("2")))
	require.NoError(t, s.Write("s2", []byte("a"), []byte("3")))

	st, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, Stats{Spaces: 2, Records: 3}, st)
}

func TestDetectDriver(t *testing.T) {
	tests := []struct {
		in, driver, dsn string
	}{
		{"postgres://u:p@host/db", "postgres", "postgres://u:p@host/db"},
		{"postgresql://host/db", "postgres", "postgresql://host/db"},
		{"sqlite:///tmp/x.db", "sqlite", "/tmp/x.db"},
		{"data/chainlog.db", "sqlite", "data/chainlog.db"},
	}
	for _, tc := range tests {
		driver, dsn := detectDriver(tc.in)
		require.Equal(t, tc.driver, driver, tc.in)
		require.Equal(t, tc.dsn, dsn, tc.in)
	}
}
