package wal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xapiand/searchd/internal/engine"
)

func openTestWAL(t *testing.T) *WAL {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.bin")
	w, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWAL_AppendAndReplay(t *testing.T) {
	w := openTestWAL(t)

	require.NoError(t, w.Append(Entry{Revision: 1, Type: EntryPut, Payload: []byte("doc-1")}))
	require.NoError(t, w.Append(Entry{Revision: 2, Type: EntryPut, Payload: []byte("doc-2")}))
	require.NoError(t, w.Append(Entry{Revision: 3, Type: EntryDelete, Payload: []byte("doc-1")}))

	var replayed []Entry
	err := w.Replay(0, func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, replayed, 3)
	assert.Equal(t, EntryPut, replayed[0].Type)
	assert.Equal(t, "doc-1", string(replayed[0].Payload))
	assert.Equal(t, EntryDelete, replayed[2].Type)
}

func TestWAL_ReplaySkipsEntriesAtOrBelowFromRevision(t *testing.T) {
	w := openTestWAL(t)

	require.NoError(t, w.Append(Entry{Revision: 1, Type: EntryPut, Payload: []byte("a")}))
	require.NoError(t, w.Append(Entry{Revision: 2, Type: EntryPut, Payload: []byte("b")}))
	require.NoError(t, w.Append(Entry{Revision: 3, Type: EntryPut, Payload: []byte("c")}))

	var replayed []Entry
	err := w.Replay(1, func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Equal(t, uint64(2), replayed[0].Revision)
	assert.Equal(t, uint64(3), replayed[1].Revision)
}

func TestWAL_AppendRejectsNonIncreasingRevision(t *testing.T) {
	w := openTestWAL(t)

	require.NoError(t, w.Append(Entry{Revision: 5, Type: EntryPut, Payload: []byte("x")}))
	err := w.Append(Entry{Revision: 5, Type: EntryPut, Payload: []byte("y")})
	assert.Error(t, err)
	err = w.Append(Entry{Revision: 3, Type: EntryPut, Payload: []byte("z")})
	assert.Error(t, err)
}

func TestWAL_DetectsChecksumCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.bin")
	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(Entry{Revision: 1, Type: EntryPut, Payload: []byte("doc")}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the payload region, just after the 6-byte header.
	data[6] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	w2, err := Open(path)
	require.NoError(t, err)
	defer w2.Close()

	err = w2.Replay(0, func(Entry) error { return nil })
	assert.Error(t, err)
}

func TestCommitter_DebouncesRepeatedSchedules(t *testing.T) {
	ctx := context.Background()
	db, err := engine.OpenMemDatabase(ctx, "shard", true)
	require.NoError(t, err)

	c := NewCommitter(db, 20*time.Millisecond)
	defer c.Stop()

	_, err = db.AddDocument(ctx, 0, engine.Fields{"a": "1"})
	require.NoError(t, err)
	c.Schedule()
	c.Schedule()
	c.Schedule()

	require.Eventually(t, func() bool {
		return db.Revision() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCommitter_FlushCommitsImmediately(t *testing.T) {
	ctx := context.Background()
	db, err := engine.OpenMemDatabase(ctx, "shard", true)
	require.NoError(t, err)

	c := NewCommitter(db, time.Hour)
	defer c.Stop()

	_, err = db.AddDocument(ctx, 0, engine.Fields{"a": "1"})
	require.NoError(t, err)
	c.Schedule()

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, uint64(1), db.Revision())
}
