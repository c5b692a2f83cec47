package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klppl/chainlog/internal/wire"
)

func TestMemReadEmpty(t *testing.T) {
	m := NewMemStore()
	vals, err := m.Read("space", []byte("key"))
	require.NoError(t, err)
	require.Empty(t, vals)
}

func TestMemWriteReadRoundTrip(t *testing.T) {
	m := NewMemStore()
	kvs := []struct{ k, v string }{
		{"key", "a"}, {"other", "x"}, {"key", "b"}, {"key", "c"}, {"other", "y"},
	}
	for _, kv := range kvs {
		require.NoError(t, m.Write("s", []byte(kv.k), []byte(kv.v)))
	}

	vals, err := m.Read("s", []byte("key"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, vals)

	vals, err = m.Read("s", []byte("other"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("x"), []byte("y")}, vals)
}

func TestMemSpacesAreDisjoint(t *testing.T) {
	m := NewMemStore()
	require.NoError(t, m.Write("s1", []byte("key"), []byte("one")))
	require.NoError(t, m.Write("s2", []byte("key"), []byte("two")))

	vals, err := m.Read("s1", []byte("key"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("one")}, vals)
}

func TestMemTruncateIsolation(t *testing.T) {
	m := NewMemStore()
	require.NoError(t, m.Write("s1", []byte("key"), []byte("one")))
	require.NoError(t, m.Write("s2", []byte("key"), []byte("two")))

	require.NoError(t, m.Truncate("s1"))

	vals, err := m.Read("s1", []byte("key"))
	require.NoError(t, err)
	require.Empty(t, vals)

	vals, err = m.Read("s2", []byte("key"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("two")}, vals)
}

func TestMemSubscribeCompleteness(t *testing.T) {
	m := NewMemStore()
	const n = 25
	for i := 0; i < n; i++ {
		require.NoError(t, m.Write("s", []byte(fmt.Sprintf("k%d", i%3)), []byte(fmt.Sprintf("v%d", i))))
	}

	it, err := m.Subscribe("s")
	require.NoError(t, err)
	defer it.Close()

	for i := 0; i < n; i++ {
		d, err := it.Next()
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("k%d", i%3)), d.Key)
		require.Equal(t, []byte(fmt.Sprintf("v%d", i)), d.Value)
	}
}

func TestMemSubscribeSpaceIsolation(t *testing.T) {
	m := NewMemStore()
	var want []string
	for i := 0; i < 20; i++ {
		space := "other"
		if i%2 == 0 {
			space = "mine"
			want = append(want, fmt.Sprintf("v%d", i))
		}
		require.NoError(t, m.Write(space, []byte("k"), []byte(fmt.Sprintf("v%d", i))))
	}

	it, err := m.Subscribe("mine")
	require.NoError(t, err)
	defer it.Close()

	for _, w := range want {
		d, err := it.Next()
		require.NoError(t, err)
		require.Equal(t, []byte(w), d.Value)
	}
}

func TestMemSubscribeConcurrent(t *testing.T) {
	m := NewMemStore()
	m.wait = 50 * time.Millisecond

	it, err := m.Subscribe("s")
	require.NoError(t, err)
	defer it.Close()

	const n = 50
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
		require.NoError(t, m.Write("s", []byte("k"), []byte(fmt.Sprintf("v%d", i))))
	}

	for i := 0; i < n; i++ {
		select {
		case d := <-got:
			require.Equal(t, []byte(fmt.Sprintf("v%d", i)), d.Value)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i)
		}
	}
}

func TestMemIteratorCloseUnblocksNext(t *testing.T) {
	m := NewMemStore()
	m.wait = 10 * time.Millisecond

	it, err := m.Subscribe("s")
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

func TestMemStats(t *testing.T) {
	m := NewMemStore()
	require.NoError(t, m.Write("s1", []byte("a"), []byte("1")))
	require.NoError(t, m.Write("s1", []byte("b"), []byte("2")))
	require.NoError(t, m.Write("s2", []byte("a"), []byte("3")))

	st, err := m.Stats()
	require.NoError(t, err)
	require.Equal(t, Stats{Spaces: 2, Records: 3}, st)

	require.NoError(t, m.Truncate("s1"))
	st, err = m.Stats()
	require.NoError(t, err)
	require.Equal(t, Stats{Spaces: 1, Records: 1}, st)
}
