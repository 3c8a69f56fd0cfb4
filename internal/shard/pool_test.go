package shard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xapiand/searchd/internal/engine"
)

func TestPool_CheckoutOpensOnFirstUse(t *testing.T) {
	p := New(engine.OpenMemDatabase, t.TempDir(), 4, time.Second)
	defer p.Close()

	h, err := p.Checkout(context.Background(), "shard-0", true)
	require.NoError(t, err)
	assert.NotNil(t, h.DB())
	h.Checkin()
}

func TestPool_CheckoutReusesCheckedInHandle(t *testing.T) {
	p := New(engine.OpenMemDatabase, t.TempDir(), 4, time.Second)
	defer p.Close()

	h1, err := p.Checkout(context.Background(), "shard-0", true)
	require.NoError(t, err)
	uuid1 := h1.DB().UUID()
	h1.Checkin()

	h2, err := p.Checkout(context.Background(), "shard-0", true)
	require.NoError(t, err)
	assert.Equal(t, uuid1, h2.DB().UUID())
	h2.Checkin()
}

func TestPool_WritableCheckoutIsExclusive(t *testing.T) {
	p := New(engine.OpenMemDatabase, t.TempDir(), 4, 50*time.Millisecond)
	defer p.Close()

	h1, err := p.Checkout(context.Background(), "shard-0", true)
	require.NoError(t, err)

	_, err = p.Checkout(context.Background(), "shard-0", true)
	assert.Error(t, err, "second writable checkout should time out while the first is held")

	h1.Checkin()
}

func TestPool_WritableCheckoutUnblocksAfterCheckin(t *testing.T) {
	p := New(engine.OpenMemDatabase, t.TempDir(), 4, 2*time.Second)
	defer p.Close()

	h1, err := p.Checkout(context.Background(), "shard-0", true)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h2, err := p.Checkout(context.Background(), "shard-0", true)
		assert.NoError(t, err)
		if h2 != nil {
			h2.Checkin()
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	h1.Checkin()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("checkout did not unblock after checkin")
	}
}

func TestPool_WritableAndReadOnlyHandlesAreNeverRecycledAcrossModes(t *testing.T) {
	ctx := context.Background()
	p := New(engine.OpenMemDatabase, t.TempDir(), 4, 50*time.Millisecond)
	defer p.Close()

	w, err := p.Checkout(ctx, "shard-0", true)
	require.NoError(t, err)
	_, err = w.DB().AddDocument(ctx, 0, engine.Fields{"a": "1"})
	require.NoError(t, err)
	require.NoError(t, w.DB().Commit(ctx))
	w.Checkin()

	// Several read-only checkouts, each opening its own independent,
	// empty engine.Database, must never be handed back out as the
	// writable instance: the free lists are keyed per mode, not shared.
	var readers []*Handle
	for i := 0; i < 3; i++ {
		r, err := p.Checkout(ctx, "shard-0", false)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), r.DB().DocCount(), "a fresh read-only open must be empty")
		readers = append(readers, r)
	}
	for _, r := range readers {
		r.Checkin()
	}

	w2, err := p.Checkout(ctx, "shard-0", true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), w2.DB().DocCount(), "writable checkout must always return the single canonical instance, not a recycled read-only one")
	w2.Checkin()
}

func TestPool_ReadOnlyCheckoutsUpToCap(t *testing.T) {
	p := New(engine.OpenMemDatabase, t.TempDir(), 2, 50*time.Millisecond)
	defer p.Close()

	h1, err := p.Checkout(context.Background(), "shard-0", false)
	require.NoError(t, err)
	h2, err := p.Checkout(context.Background(), "shard-0", false)
	require.NoError(t, err)

	_, err = p.Checkout(context.Background(), "shard-0", false)
	assert.Error(t, err, "third read-only checkout should time out over the cap")

	h1.Checkin()
	h2.Checkin()
}
