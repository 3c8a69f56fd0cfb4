package schema

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistence_SaveAndLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.db")

	p, err := OpenPersistence(path)
	require.NoError(t, err)

	r := NewRegistry()
	fs, err := r.FieldFor("title", "hello world this is text")
	require.NoError(t, err)

	require.NoError(t, p.Save("docs", r.Current()))
	require.NoError(t, p.Close())

	reopened, err := OpenPersistence(path)
	require.NoError(t, err)
	defer reopened.Close()

	snapshots, err := reopened.LoadAll()
	require.NoError(t, err)
	require.Contains(t, snapshots, "docs")
	assert.Equal(t, fs, snapshots["docs"].Fields["title"])
}

func TestStore_PersistenceSeedsRegistriesOnRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.db")

	p, err := OpenPersistence(path)
	require.NoError(t, err)

	store, err := NewStoreWithPersistence(p)
	require.NoError(t, err)

	reg := store.For("docs")
	_, err = reg.FieldFor("count", float64(1))
	require.NoError(t, err)
	require.NoError(t, store.Persist("docs"))
	require.NoError(t, p.Close())

	p2, err := OpenPersistence(path)
	require.NoError(t, err)
	defer p2.Close()

	restarted, err := NewStoreWithPersistence(p2)
	require.NoError(t, err)

	assert.Len(t, restarted.For("docs").Current().Fields, 1)
}

func TestStore_WithoutPersistenceIsNoOp(t *testing.T) {
	store := NewStore()
	assert.NoError(t, store.Persist("docs"))
}
