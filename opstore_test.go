package mdip

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreEvents(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := NewMemStore()

	create, err := NewAgentOp(generateKey(t), "local", "")
	require.NoError(t, err)
	did, err := GenerateDID(create, DefaultDIDPrefix)
	require.NoError(t, err)

	assert.ErrorIs(store.AddEvent(ctx, "", newEvent("local", create)), ErrInvalidDID)

	require.NoError(t, store.AddEvent(ctx, did, newEvent("local", create)))

	// keyed by suffix, so the prefix doesn't matter
	events, err := store.GetEvents(ctx, "did:other:"+DIDSuffix(did))
	require.NoError(t, err)
	assert.Len(events, 1)

	// returned logs are copies
	events[0].Registry = "mock"
	again, err := store.GetEvents(ctx, did)
	require.NoError(t, err)
	assert.Equal("local", again[0].Registry)

	keys, err := store.GetAllKeys(ctx)
	require.NoError(t, err)
	assert.Equal([]string{DIDSuffix(did)}, keys)

	require.NoError(t, store.SetEvents(ctx, did, []Event{newEvent("hyperswarm", create)}))
	events, err = store.GetEvents(ctx, did)
	require.NoError(t, err)
	assert.Equal("hyperswarm", events[0].Registry)

	require.NoError(t, store.DeleteEvents(ctx, did))
	events, err = store.GetEvents(ctx, did)
	require.NoError(t, err)
	assert.Empty(events)
	assert.NotNil(events)
}

func TestMemStoreQueue(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := NewMemStore()

	var ops []OpEnum
	for i := 0; i < 3; i++ {
		op, err := NewAgentOp(generateKey(t), "TFTC", "")
		require.NoError(t, err)
		n, err := store.QueueOperation(ctx, "TFTC", *op.AsOpEnum())
		require.NoError(t, err)
		assert.Equal(i+1, n)
		ops = append(ops, *op.AsOpEnum())
	}

	queue, err := store.GetQueue(ctx, "TFTC")
	require.NoError(t, err)
	assert.Len(queue, 3)

	queue, err = store.GetQueue(ctx, "TBTC")
	require.NoError(t, err)
	assert.Empty(queue)

	ok, err := store.ClearQueue(ctx, "TFTC", ops[:2])
	require.NoError(t, err)
	assert.True(ok)

	queue, err = store.GetQueue(ctx, "TFTC")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(sigValue(ops[2]), sigValue(queue[0]))

	ok, err = store.ClearQueue(ctx, "TBTC", ops)
	require.NoError(t, err)
	assert.True(ok)
}

func TestMemStoreBlocks(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := NewMemStore()

	block, err := store.GetBlock(ctx, "TFTC", LatestBlock)
	require.NoError(t, err)
	assert.Nil(block)

	for _, b := range []BlockInfo{
		{Height: 100, Hash: "hash100", Time: 1000},
		{Height: 102, Hash: "hash102", Time: 1200},
		{Height: 101, Hash: "hash101", Time: 1100},
	} {
		ok, err := store.AddBlock(ctx, "TFTC", b)
		require.NoError(t, err)
		assert.True(ok)
	}

	block, err = store.GetBlock(ctx, "TFTC", LatestBlock)
	require.NoError(t, err)
	assert.Equal(102, block.Height)

	block, err = store.GetBlock(ctx, "TFTC", BlockAtHeight(101))
	require.NoError(t, err)
	assert.Equal("hash101", block.Hash)

	block, err = store.GetBlock(ctx, "TFTC", BlockWithHash("hash100"))
	require.NoError(t, err)
	assert.Equal(int64(1000), block.Time)

	block, err = store.GetBlock(ctx, "TFTC", BlockAtHeight(7))
	require.NoError(t, err)
	assert.Nil(block)

	block, err = store.GetBlock(ctx, "TBTC", LatestBlock)
	require.NoError(t, err)
	assert.Nil(block)

	require.NoError(t, store.ResetDb(ctx))
	block, err = store.GetBlock(ctx, "TFTC", LatestBlock)
	require.NoError(t, err)
	assert.Nil(block)
}
