package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xapiand/searchd/internal/schema"
)

func TestMemDatabase_AddCommitGet(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMemDatabase(ctx, "/tmp/shard-0", true)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), db.Revision())
	assert.Equal(t, uint64(0), db.DocCount())

	id, err := db.AddDocument(ctx, 0, Fields{"title": "hello"})
	require.NoError(t, err)
	assert.Equal(t, DocID(1), id)

	// Not visible until commit.
	assert.Equal(t, uint64(0), db.DocCount())

	require.NoError(t, db.Commit(ctx))
	assert.Equal(t, uint64(1), db.Revision())
	assert.Equal(t, uint64(1), db.DocCount())

	terms, err := db.TermList(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"title"}, terms)
}

func TestMemDatabase_CommitWithoutChangesIsNoop(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMemDatabase(ctx, "/tmp/shard-1", true)
	require.NoError(t, err)

	require.NoError(t, db.Commit(ctx))
	assert.Equal(t, uint64(0), db.Revision())
}

func TestMemDatabase_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMemDatabase(ctx, "/tmp/shard-2", true)
	require.NoError(t, err)

	require.NoError(t, db.DeleteDocument(ctx, 42))
	require.NoError(t, db.DeleteDocument(ctx, 42))
	require.NoError(t, db.Commit(ctx))
	assert.Equal(t, uint64(0), db.DocCount())
}

func TestMemDatabase_PostList(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMemDatabase(ctx, "/tmp/shard-3", true)
	require.NoError(t, err)

	_, err = db.AddDocument(ctx, 0, Fields{"lang": "go"})
	require.NoError(t, err)
	_, err = db.AddDocument(ctx, 0, Fields{"lang": "go"})
	require.NoError(t, err)
	_, err = db.AddDocument(ctx, 0, Fields{"other": "x"})
	require.NoError(t, err)
	require.NoError(t, db.Commit(ctx))

	ids, err := db.PostList(ctx, "lang")
	require.NoError(t, err)
	assert.Equal(t, []DocID{1, 2}, ids)
}

func TestMemDatabase_MetadataRoundtrip(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMemDatabase(ctx, "/tmp/shard-4", true)
	require.NoError(t, err)

	_, ok, err := db.GetMetadata(ctx, "schema")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetMetadata(ctx, "schema", "v1"))
	require.NoError(t, db.Commit(ctx))

	v, ok, err := db.GetMetadata(ctx, "schema")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestMemDatabase_SetMetadataRejectsReservedKey(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMemDatabase(ctx, "/tmp/shard-5", true)
	require.NoError(t, err)

	err = db.SetMetadata(ctx, "_version", "1")
	assert.ErrorIs(t, err, schema.ErrReservedName)
}

func TestMemDatabase_ChangesetEmitApplyRoundtrip(t *testing.T) {
	ctx := context.Background()
	src, err := OpenMemDatabase(ctx, "/tmp/shard-src", true)
	require.NoError(t, err)

	_, err = src.AddDocument(ctx, 7, Fields{"a": "1"})
	require.NoError(t, err)
	require.NoError(t, src.SetMetadata(ctx, "k", "v"))
	require.NoError(t, src.Commit(ctx))

	var buf bytes.Buffer
	require.NoError(t, src.EmitChangesets(ctx, 0, &buf))
	assert.NotZero(t, buf.Len())

	dst, err := OpenMemDatabase(ctx, "/tmp/shard-dst", true)
	require.NoError(t, err)
	require.NoError(t, dst.ApplyChangeset(ctx, &buf))

	assert.Equal(t, src.Revision(), dst.Revision())
	assert.Equal(t, uint64(1), dst.DocCount())

	v, ok, err := dst.GetMetadata(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestMemDatabase_EmitChangesetsUpToDateIsEmpty(t *testing.T) {
	ctx := context.Background()
	db, err := OpenMemDatabase(ctx, "/tmp/shard-5", true)
	require.NoError(t, err)

	_, err = db.AddDocument(ctx, 0, Fields{"a": "1"})
	require.NoError(t, err)
	require.NoError(t, db.Commit(ctx))

	var buf bytes.Buffer
	require.NoError(t, db.EmitChangesets(ctx, db.Revision(), &buf))
	assert.Zero(t, buf.Len())
}
