package node

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/KeychainMDIP/kc-sub000"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildStreamURL_HTTPS(t *testing.T) {
	u, err := url.Parse("https://gatekeeper.example.com")
	require.NoError(t, err)
	assert.Equal(t, "wss://gatekeeper.example.com/api/v1/events/stream", buildStreamURL(u))
}

func TestBuildStreamURL_HTTP(t *testing.T) {
	u, err := url.Parse("http://localhost:4224/")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:4224/api/v1/events/stream", buildStreamURL(u))
}

func TestSleepCtx_Completes(t *testing.T) {
	ok := sleepCtx(context.Background(), 1*time.Millisecond)
	assert.True(t, ok)
}

func TestSleepCtx_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := sleepCtx(ctx, 10*time.Second)
	assert.False(t, ok)
}

func TestNewIngestor_BadScheme(t *testing.T) {
	g := newTestGatekeeper(t, nil, nil)
	_, err := NewIngestor(g, NewState(), "ftp://example.com", testLogger())
	assert.Error(t, err)
}

func TestIngestor_CatchUp(t *testing.T) {
	upstream := newTestNode(t)
	ts := httptest.NewServer(upstream.handler)
	defer ts.Close()
	ctx := context.Background()

	remote := createAgent(t, upstream.g, generateKey(t), "hyperswarm")
	createAgent(t, upstream.g, generateKey(t), "local")

	g := newTestGatekeeper(t, nil, nil)
	state := NewState()
	ing, err := NewIngestor(g, state, ts.URL, testLogger())
	require.NoError(t, err)

	require.NoError(t, ing.CatchUp(ctx))

	res, err := g.GetDIDs(ctx, mdip.GetDIDsOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{remote}, res.DIDs)
	assert.False(t, state.GetLastImportedEventTime().IsZero())

	// repeating is harmless
	require.NoError(t, ing.CatchUp(ctx))
	assert.Equal(t, 0, g.QueueLength())
}

func TestIngestor_ImportSkipsLocal(t *testing.T) {
	g := newTestGatekeeper(t, nil, nil)
	ing, err := NewIngestor(g, NewState(), "http://localhost:4224", testLogger())
	require.NoError(t, err)

	op, err := mdip.NewAgentOp(generateKey(t), "local", "")
	require.NoError(t, err)
	did, err := mdip.GenerateDID(op, mdip.DefaultDIDPrefix)
	require.NoError(t, err)

	res, err := ing.importEvents(context.Background(), []mdip.Event{newEvent(did, "local", op)})
	require.NoError(t, err)
	assert.Equal(t, &mdip.ProcessEventsResult{}, res)
	assert.Equal(t, 0, g.QueueLength())
}

func TestIngestor_Stream(t *testing.T) {
	upstream := newTestNode(t)
	ts := httptest.NewServer(upstream.handler)
	defer ts.Close()

	before := createAgent(t, upstream.g, generateKey(t), "hyperswarm")

	g := newTestGatekeeper(t, nil, nil)
	ing, err := NewIngestor(g, NewState(), ts.URL, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	require.Eventually(t, func() bool {
		return upstream.hub.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	after := createAgent(t, upstream.g, generateKey(t), "hyperswarm")

	require.Eventually(t, func() bool {
		res, err := g.GetDIDs(context.Background(), mdip.GetDIDsOptions{})
		return err == nil && len(res.DIDs) == 2
	}, 5*time.Second, 10*time.Millisecond)

	for _, did := range []string{before, after} {
		_, err := g.ResolveDID(context.Background(), did, mdip.ResolveOptions{})
		assert.NoError(t, err)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ingestor did not stop")
	}
}

func TestIngestor_StreamSkipsUndecodable(t *testing.T) {
	upstream := newTestNode(t)
	ts := httptest.NewServer(upstream.handler)
	defer ts.Close()

	g := newTestGatekeeper(t, nil, nil)
	ing, err := NewIngestor(g, NewState(), ts.URL, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.ingestStream(ctx) }()

	require.Eventually(t, func() bool {
		return upstream.hub.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	upstream.hub.broadcast([]byte(`not json`))
	upstream.hub.broadcast([]byte(`{"registry":"hyperswarm","operation":{"type":"bogus"}}`))
	did := createAgent(t, upstream.g, generateKey(t), "hyperswarm")

	require.Eventually(t, func() bool {
		_, err := g.ResolveDID(context.Background(), did, mdip.ResolveOptions{})
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("stream stopped early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}
