package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/mxhs/homeserver/storage/kv"
	"github.com/stretchr/testify/require"
)

func TestMemStoreScanPrefixOrdering(t *testing.T) {
	s := kv.NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, kv.Join([]byte("room1"), []byte("b")), []byte("2")))
	require.NoError(t, s.Put(ctx, kv.Join([]byte("room1"), []byte("a")), []byte("1")))
	require.NoError(t, s.Put(ctx, kv.Join([]byte("room2"), []byte("a")), []byte("x")))

	got, err := s.ScanPrefix(ctx, kv.Join([]byte("room1")))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "1", string(got[0].Value))
	require.Equal(t, "2", string(got[1].Value))
}

func TestMemStoreCompareAndSwap(t *testing.T) {
	s := kv.NewMemStore()
	ctx := context.Background()
	key := []byte("dest" + string([]byte{kv.Delim}))

	require.NoError(t, s.CompareAndSwap(ctx, key, nil, []byte{}))
	err := s.CompareAndSwap(ctx, key, nil, []byte{})
	require.ErrorAs(t, err, new(kv.ErrCASMismatch))

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.CompareAndSwap(ctx, key, nil, []byte{}))
}

func TestMemStoreWatchPrefixDeliversEveryChange(t *testing.T) {
	s := kv.NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.WatchPrefix(ctx, []byte("room1"))
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, []byte("room1\xffa"), []byte("1")))
	require.NoError(t, s.Put(ctx, []byte("room2\xffa"), []byte("ignored")))
	require.NoError(t, s.Put(ctx, []byte("room1\xffb"), []byte("2")))

	select {
	case ev := <-events:
		require.Equal(t, kv.EventInsert, ev.Kind)
		require.Equal(t, "room1\xffa", string(ev.KV.Key))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first event")
	}

	select {
	case ev := <-events:
		require.Equal(t, "room1\xffb", string(ev.KV.Key))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second event")
	}
}
