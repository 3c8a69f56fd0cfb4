package server

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xapiand/searchd/internal/engine"
	"github.com/xapiand/searchd/internal/replication"
)

func TestApplyReplicationFrame_GetChangesetsRoutesToSource(t *testing.T) {
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
	source := replication.NewSource(opener, dataDir)

	req := replication.Request{SourceUUID: db.UUID(), FromRevision: 0, IndexPath: indexPath}
	bf, err := replication.EncodeFrame(replication.Frame{Kind: replication.KindGetChangesets, Request: req})
	require.NoError(t, err)

	var out bytes.Buffer
	d := BinaryDispatch{
		Source: source,
		Write:  func(b []byte) error { out.Write(b); return nil },
	}

	require.NoError(t, applyReplicationFrame(ctx, d, bf))
	assert.Greater(t, out.Len(), 0, "source should have written response frames back over Write")
}

func TestApplyReplicationFrame_ChangesetRoutesToReceiver(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	indexPath := "idx2"

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
	receiver := replication.NewReceiver(opener, dataDir)

	var changes bytes.Buffer
	require.NoError(t, srcDB.EmitChangesets(ctx, 0, &changes))

	bf, err := replication.EncodeFrame(replication.Frame{Kind: replication.KindChangeset, ChangesetData: changes.Bytes()})
	require.NoError(t, err)

	d := BinaryDispatch{Receiver: receiver, IndexPath: indexPath}
	require.NoError(t, applyReplicationFrame(ctx, d, bf))
	assert.Equal(t, uint64(1), dstDB.DocCount())
}

func TestApplyReplicationFrame_GetChangesetsWithNoSourceFails(t *testing.T) {
	ctx := context.Background()
	bf, err := replication.EncodeFrame(replication.Frame{Kind: replication.KindGetChangesets})
	require.NoError(t, err)

	err = applyReplicationFrame(ctx, BinaryDispatch{}, bf)
	assert.Error(t, err)
}
