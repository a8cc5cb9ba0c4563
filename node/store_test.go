package node

import (
	"context"
	"testing"

	"github.com/KeychainMDIP/kc-sub000"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormStore_Events(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	create, err := mdip.NewAgentOp(generateKey(t), "hyperswarm", "")
	require.NoError(t, err)
	did, err := mdip.GenerateDID(create, mdip.DefaultDIDPrefix)
	require.NoError(t, err)

	events, err := store.GetEvents(ctx, did)
	require.NoError(t, err)
	assert.Empty(events)

	assert.ErrorIs(store.AddEvent(ctx, "", newEvent(did, "local", create)), mdip.ErrInvalidDID)

	require.NoError(t, store.AddEvent(ctx, did, newEvent(did, "local", create)))
	require.NoError(t, store.AddEvent(ctx, did, newEvent(did, "hyperswarm", create)))

	// keyed by suffix
	events, err = store.GetEvents(ctx, "did:other:"+mdip.DIDSuffix(did))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal("local", events[0].Registry)
	assert.Equal("hyperswarm", events[1].Registry)
	assert.Equal(create.CID(), events[0].Operation.Create.CID())

	keys, err := store.GetAllKeys(ctx)
	require.NoError(t, err)
	assert.Equal([]string{mdip.DIDSuffix(did)}, keys)

	require.NoError(t, store.SetEvents(ctx, did, []mdip.Event{newEvent(did, "TFTC", create)}))
	events, err = store.GetEvents(ctx, did)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal("TFTC", events[0].Registry)

	// appends continue after a replaced log
	require.NoError(t, store.AddEvent(ctx, did, newEvent(did, "local", create)))
	events, err = store.GetEvents(ctx, did)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal("local", events[1].Registry)

	require.NoError(t, store.DeleteEvents(ctx, did))
	events, err = store.GetEvents(ctx, did)
	require.NoError(t, err)
	assert.Empty(events)

	keys, err = store.GetAllKeys(ctx)
	require.NoError(t, err)
	assert.Empty(keys)
}

func TestGormStore_Queue(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	var ops []mdip.OpEnum
	for i := 0; i < 3; i++ {
		op, err := mdip.NewAgentOp(generateKey(t), "TFTC", "")
		require.NoError(t, err)
		n, err := store.QueueOperation(ctx, "TFTC", *op.AsOpEnum())
		require.NoError(t, err)
		assert.Equal(i+1, n)
		ops = append(ops, *op.AsOpEnum())
	}

	queue, err := store.GetQueue(ctx, "TFTC")
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(ops[0].Create.CID(), queue[0].Create.CID())

	queue, err = store.GetQueue(ctx, "hyperswarm")
	require.NoError(t, err)
	assert.Empty(queue)

	ok, err := store.ClearQueue(ctx, "TFTC", ops[:2])
	require.NoError(t, err)
	assert.True(ok)

	queue, err = store.GetQueue(ctx, "TFTC")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(ops[2].Create.CID(), queue[0].Create.CID())

	ok, err = store.ClearQueue(ctx, "TFTC", nil)
	require.NoError(t, err)
	assert.True(ok)
}

func TestGormStore_Blocks(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	block, err := store.GetBlock(ctx, "TFTC", mdip.LatestBlock)
	require.NoError(t, err)
	assert.Nil(block)

	for _, b := range []mdip.BlockInfo{
		{Height: 100, Hash: "hash100", Time: 1000},
		{Height: 102, Hash: "hash102", Time: 1200},
		{Height: 101, Hash: "hash101", Time: 1100},
	} {
		ok, err := store.AddBlock(ctx, "TFTC", b)
		require.NoError(t, err)
		assert.True(ok)
	}

	block, err = store.GetBlock(ctx, "TFTC", mdip.LatestBlock)
	require.NoError(t, err)
	assert.Equal(102, block.Height)

	block, err = store.GetBlock(ctx, "TFTC", mdip.BlockAtHeight(101))
	require.NoError(t, err)
	assert.Equal("hash101", block.Hash)

	block, err = store.GetBlock(ctx, "TFTC", mdip.BlockWithHash("hash100"))
	require.NoError(t, err)
	assert.Equal(int64(1000), block.Time)

	// same height replaces the block
	_, err = store.AddBlock(ctx, "TFTC", mdip.BlockInfo{Height: 101, Hash: "reorg101", Time: 1101, Txns: 3})
	require.NoError(t, err)
	block, err = store.GetBlock(ctx, "TFTC", mdip.BlockAtHeight(101))
	require.NoError(t, err)
	assert.Equal(&mdip.BlockInfo{Height: 101, Hash: "reorg101", Time: 1101, Txns: 3}, block)

	block, err = store.GetBlock(ctx, "TBTC", mdip.LatestBlock)
	require.NoError(t, err)
	assert.Nil(block)

	require.NoError(t, store.ResetDb(ctx))
	block, err = store.GetBlock(ctx, "TFTC", mdip.LatestBlock)
	require.NoError(t, err)
	assert.Nil(block)
}

func TestGormStore_Gatekeeper(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := newTestStore(t)
	g := newTestGatekeeper(t, store, nil)

	priv := generateKey(t)
	did := createAgent(t, g, priv, "hyperswarm")
	ok, err := g.UpdateDID(ctx, buildUpdate(t, g, priv, did, `{"name":"alice"}`))
	require.NoError(t, err)
	assert.True(ok)

	doc, err := g.ResolveDID(ctx, did, mdip.ResolveOptions{Verify: true})
	require.NoError(t, err)
	assert.Equal(2, doc.DidDocumentMetadata.Version)
	assert.JSONEq(`{"name":"alice"}`, string(doc.DidDocumentData))

	queue, err := g.GetQueue(ctx, "hyperswarm")
	require.NoError(t, err)
	assert.Len(queue, 2)

	res, err := g.VerifyDb(ctx, mdip.VerifyDbOptions{})
	require.NoError(t, err)
	assert.Equal(&mdip.VerifyDbResult{Total: 1, Verified: 1}, res)
}
