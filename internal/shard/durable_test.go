package shard

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xapiand/searchd/internal/engine"
)

func TestDurableOpener_ReplayMakesCommittedDocumentsVisible(t *testing.T) {
	ctx := context.Background()
	walDir := t.TempDir()
	path := filepath.Join(walDir, "shard-0")

	opener := NewDurableOpener(engine.OpenMemDatabase, walDir, time.Hour)

	db, err := opener(ctx, path, true)
	require.NoError(t, err)

	id, err := db.AddDocument(ctx, 0, engine.Fields{"a": "1"})
	require.NoError(t, err)
	require.NoError(t, db.Commit(ctx))
	require.NoError(t, db.Close())

	// Reopening must replay the WAL including the COMMIT entry, so the
	// document is visible without requiring a fresh mutation to trigger
	// another autocommit.
	reopened, err := opener(ctx, path, true)
	require.NoError(t, err)
	defer reopened.Close()

	terms, err := reopened.TermList(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, terms, "document committed before restart must be visible after WAL replay")
	assert.Equal(t, uint64(1), reopened.DocCount())
}
