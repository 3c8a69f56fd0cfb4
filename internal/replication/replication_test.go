package replication

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xapiand/searchd/internal/engine"
)

type collectingWriter struct {
	frames []Frame
}

func (c *collectingWriter) Write(f Frame) error {
	c.frames = append(c.frames, f)
	return nil
}

func TestSource_ServeMatchingUUIDEmitsChangesets(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	indexPath := "idx1"

	db, err := engine.OpenMemDatabase(ctx, filepath.Join(dataDir, indexPath), true)
	require.NoError(t, err)
	_, err = db.AddDocument(ctx, 0, engine.Fields{"a": "1"})
	require.NoError(t, err)
	require.NoError(t, db.Commit(ctx))

	opener := func(ctx context.Context, path string, writable bool) (engine.Database, error) {
		return db, nil
	}

	src := NewSource(opener, dataDir)
	var w collectingWriter
	err = src.Serve(ctx, Request{SourceUUID: db.UUID(), FromRevision: 0, IndexPath: indexPath}, &w)
	require.NoError(t, err)

	require.Len(t, w.frames, 2)
	assert.Equal(t, KindChangeset, w.frames[0].Kind)
	assert.Equal(t, KindEndOfChanges, w.frames[1].Kind)
	assert.Equal(t, db.Revision(), w.frames[1].SyncAnchor.Revision)
}

func TestSource_ServeMismatchedUUIDSendsFullCopyFrames(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	indexPath := "idx2"

	db, err := engine.OpenMemDatabase(ctx, filepath.Join(dataDir, indexPath), true)
	require.NoError(t, err)

	opener := func(ctx context.Context, path string, writable bool) (engine.Database, error) {
		return db, nil
	}

	src := NewSource(opener, dataDir)
	var w collectingWriter
	mismatched := [16]byte{0xFF}
	err = src.Serve(ctx, Request{SourceUUID: mismatched, FromRevision: 0, IndexPath: indexPath}, &w)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(w.frames), 2)
	assert.Equal(t, KindSetDBHeader, w.frames[0].Kind)
	assert.Equal(t, KindSetDBFooter, w.frames[len(w.frames)-2].Kind)
	assert.Equal(t, KindEndOfChanges, w.frames[len(w.frames)-1].Kind)
}

func TestReceiver_AppliesChangesetFrame(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	indexPath := "idx3"

	srcDB, err := engine.OpenMemDatabase(ctx, "src", true)
	require.NoError(t, err)
	_, err = srcDB.AddDocument(ctx, 0, engine.Fields{"a": "1"})
	require.NoError(t, err)
	require.NoError(t, srcDB.Commit(ctx))

	dstDB, err := engine.OpenMemDatabase(ctx, filepath.Join(dataDir, indexPath), true)
	require.NoError(t, err)
	opener := func(ctx context.Context, path string, writable bool) (engine.Database, error) {
		return dstDB, nil
	}

	var buf bytes.Buffer
	require.NoError(t, srcDB.EmitChangesets(ctx, 0, &buf))

	recv := NewReceiver(opener, dataDir)
	_, err = recv.Apply(ctx, indexPath, Frame{Kind: KindChangeset, ChangesetData: buf.Bytes()})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), dstDB.DocCount())
}

func TestReceiver_EndOfChangesReturnsAnchor(t *testing.T) {
	recv := NewReceiver(nil, t.TempDir())
	anchor, err := recv.Apply(context.Background(), "idx", Frame{
		Kind:       KindEndOfChanges,
		SyncAnchor: Anchor{Revision: 5, Path: "idx"},
	})
	require.NoError(t, err)
	require.NotNil(t, anchor)
	assert.Equal(t, uint64(5), anchor.Revision)
}

func TestReceiver_FailFrameReturnsError(t *testing.T) {
	recv := NewReceiver(nil, t.TempDir())
	_, err := recv.Apply(context.Background(), "idx", Frame{Kind: KindFail, FailReason: "disk full"})
	assert.Error(t, err)
}
