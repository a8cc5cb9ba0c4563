package mdip

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyDb(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	g := newTestGatekeeper(t)

	priv := generateKey(t)
	agent := createAgent(t, g, priv, "local")

	// ephemeral asset that has already expired
	op, err := NewAssetOp(priv, agent, "local", json.RawMessage(`{}`))
	require.NoError(t, err)
	op.Mdip.ValidUntil = syntax.DatetimeNow().String()
	require.NoError(t, op.Sign(priv, agent))
	expired, err := g.CreateDID(ctx, op)
	require.NoError(t, err)

	// ephemeral asset still valid
	op, err = NewAssetOp(priv, agent, "local", json.RawMessage(`{}`))
	require.NoError(t, err)
	op.Mdip.ValidUntil = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	require.NoError(t, op.Sign(priv, agent))
	_, err = g.CreateDID(ctx, op)
	require.NoError(t, err)

	// agent whose log was tampered with
	other := generateKey(t)
	tampered := createAgent(t, g, other, "local")
	forged := buildUpdate(t, priv, tampered, tampered, resolve(t, g, tampered), `{}`)
	require.NoError(t, g.Store().AddEvent(ctx, tampered, newEvent("local", forged)))

	time.Sleep(5 * time.Millisecond)

	res, err := g.VerifyDb(ctx, VerifyDbOptions{Chatty: true})
	require.NoError(t, err)
	assert.Equal(&VerifyDbResult{Total: 4, Verified: 2, Expired: 1, Invalid: 1}, res)

	_, err = g.ResolveDID(ctx, expired, ResolveOptions{})
	assert.ErrorIs(err, ErrInvalidDID)
	_, err = g.ResolveDID(ctx, tampered, ResolveOptions{})
	assert.ErrorIs(err, ErrInvalidDID)

	res, err = g.VerifyDb(ctx, VerifyDbOptions{})
	require.NoError(t, err)
	assert.Equal(&VerifyDbResult{Total: 2, Verified: 2}, res)
}

func TestVerifyDbCache(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	g := newTestGatekeeper(t)

	priv := generateKey(t)
	did := createAgent(t, g, priv, "local")

	_, err := g.VerifyDb(ctx, VerifyDbOptions{})
	require.NoError(t, err)
	tip, ok := g.verified.Get(did)
	require.True(t, ok)
	assert.Equal(resolve(t, g, did).DidDocumentMetadata.VersionID, tip)

	// a new tip is re-verified
	forged := buildUpdate(t, generateKey(t), did, did, resolve(t, g, did), `{}`)
	require.NoError(t, g.Store().AddEvent(ctx, did, newEvent("local", forged)))

	res, err := g.VerifyDb(ctx, VerifyDbOptions{})
	require.NoError(t, err)
	assert.Equal(1, res.Invalid)
	_, ok = g.verified.Get(did)
	assert.False(ok)
}

func TestVerifyDbCacheController(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	g := newTestGatekeeper(t)

	priv := generateKey(t)
	agent := createAgent(t, g, priv, "local")
	asset := createAsset(t, g, priv, agent, "local", `{"name":"mock"}`)

	res, err := g.VerifyDb(ctx, VerifyDbOptions{})
	require.NoError(t, err)
	assert.Equal(2, res.Verified)

	// the asset was cached, but its controller is gone
	ok, err := g.RemoveDIDs(ctx, []string{agent})
	require.NoError(t, err)
	require.True(t, ok)

	res, err = g.VerifyDb(ctx, VerifyDbOptions{})
	require.NoError(t, err)
	assert.Equal(&VerifyDbResult{Total: 1, Invalid: 1}, res)
	_, err = g.ResolveDID(ctx, asset, ResolveOptions{})
	assert.ErrorIs(err, ErrInvalidDID)
}

func TestCheckDIDs(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	g := newTestGatekeeper(t)

	priv := generateKey(t)
	agent := createAgent(t, g, priv, "local")
	asset := createAsset(t, g, priv, agent, "local", `{}`)
	remote := createAgent(t, g, priv, "hyperswarm")
	ok, err := g.UpdateDID(ctx, buildUpdate(t, priv, remote, remote, resolve(t, g, remote), `{}`))
	require.NoError(t, err)
	assert.True(ok)

	res, err := g.CheckDIDs(ctx, CheckDIDsOptions{Chatty: true})
	require.NoError(t, err)
	assert.Equal(3, res.Total)
	assert.Equal(CheckDIDsByType{Agents: 2, Assets: 1, Confirmed: 2, Unconfirmed: 1}, res.ByType)
	assert.Equal(map[string]int{"local": 2, "hyperswarm": 1}, res.ByRegistry)
	assert.Equal(map[int]int{1: 2, 2: 1}, res.ByVersion)
	assert.Empty(res.EventsQueue)

	res, err = g.CheckDIDs(ctx, CheckDIDsOptions{DIDs: []string{asset, "did:test:mock"}})
	require.NoError(t, err)
	assert.Equal(2, res.Total)
	assert.Equal(1, res.ByType.Assets)
	assert.Equal(1, res.ByType.Invalid)
}
