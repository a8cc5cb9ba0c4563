package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/KeychainMDIP/kc-sub000"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	handler http.Handler
	g       *mdip.Gatekeeper
	state   *State
	hub     *EventHub
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	logger := testLogger()
	hub := NewEventHub(logger)
	g := newTestGatekeeper(t, newTestStore(t), hub.Publish)
	state := NewState()
	s := NewServer(g, hub, state, ":0", logger)
	return &testNode{handler: s.Handler(), g: g, state: state, hub: hub}
}

func newTestServer(t *testing.T) (http.Handler, *mdip.Gatekeeper, *State) {
	t.Helper()
	n := newTestNode(t)
	return n.handler, n.g, n.state
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(method, path, reader))
	return w
}

func TestHandleHealth(t *testing.T) {
	handler, _, _ := newTestServer(t)

	w := doJSON(t, handler, "GET", "/_health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "version")
}

func TestHandleReadyVersionRegistries(t *testing.T) {
	handler, _, state := newTestServer(t)

	w := doJSON(t, handler, "GET", "/api/v1/ready", nil)
	assert.Equal(t, "false", strings.TrimSpace(w.Body.String()))
	state.SetReady(true)
	w = doJSON(t, handler, "GET", "/api/v1/ready", nil)
	assert.Equal(t, "true", strings.TrimSpace(w.Body.String()))

	w = doJSON(t, handler, "GET", "/api/v1/version", nil)
	assert.Equal(t, "1", strings.TrimSpace(w.Body.String()))

	w = doJSON(t, handler, "GET", "/api/v1/registries", nil)
	assert.JSONEq(t, `["local","hyperswarm"]`, w.Body.String())
}

func TestHandleDIDLifecycle(t *testing.T) {
	handler, _, _ := newTestServer(t)

	priv := generateKey(t)
	create, err := mdip.NewAgentOp(priv, "hyperswarm", "")
	require.NoError(t, err)

	w := doJSON(t, handler, "POST", "/api/v1/did/generate", create)
	require.Equal(t, http.StatusOK, w.Code)
	var generated string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &generated))

	w = doJSON(t, handler, "POST", "/api/v1/did", create)
	require.Equal(t, http.StatusOK, w.Code)
	var did string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &did))
	assert.Equal(t, generated, did)

	w = doJSON(t, handler, "GET", "/api/v1/did/"+did, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var doc mdip.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, did, doc.DidDocument.ID)
	assert.Equal(t, 1, doc.DidDocumentMetadata.Version)

	next := doc.Clone()
	next.DidDocumentData = json.RawMessage(`{"hello":"world"}`)
	update, err := mdip.NewUpdateOp(priv, did, did, doc.DidDocumentMetadata.VersionID, next)
	require.NoError(t, err)

	w = doJSON(t, handler, "POST", "/api/v1/did/"+did, update)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", strings.TrimSpace(w.Body.String()))

	w = doJSON(t, handler, "GET", "/api/v1/did/"+did+"?versionSequence=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, 1, doc.DidDocumentMetadata.Version)

	w = doJSON(t, handler, "GET", "/api/v1/did/"+did+"?verify=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, 2, doc.DidDocumentMetadata.Version)
	assert.JSONEq(t, `{"hello":"world"}`, string(doc.DidDocumentData))

	// the update targets a different DID than the path
	w = doJSON(t, handler, "POST", "/api/v1/did/did:test:other", update)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	del, err := mdip.NewDeleteOp(priv, did, did, doc.DidDocumentMetadata.VersionID)
	require.NoError(t, err)
	w = doJSON(t, handler, "DELETE", "/api/v1/did/"+did, del)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, handler, "GET", "/api/v1/did/"+did, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.True(t, doc.DidDocumentMetadata.Deactivated)
}

func TestHandleErrors(t *testing.T) {
	handler, _, _ := newTestServer(t)

	w := doJSON(t, handler, "GET", "/api/v1/did/did:test:z3v8AuaUnknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), mdip.ErrInvalidDID.Error())

	w = doJSON(t, handler, "GET", "/api/v1/did/did:test:abc?versionTime=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, handler, "POST", "/api/v1/did", map[string]any{"type": "mock"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// tampered signature
	op, err := mdip.NewAgentOp(generateKey(t), "local", "")
	require.NoError(t, err)
	op.Created = "2020-01-01T00:00:00Z"
	w = doJSON(t, handler, "POST", "/api/v1/did", op)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid operation")

	w = doJSON(t, handler, "GET", "/api/v1/queue/mock", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, handler, "POST", "/api/v1/dids/remove", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// no blob store configured
	w = doJSON(t, handler, "POST", "/api/v1/cas/json", map[string]any{"a": 1})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleBlocks(t *testing.T) {
	handler, _, _ := newTestServer(t)

	w := doJSON(t, handler, "GET", "/api/v1/block/TFTC/latest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", strings.TrimSpace(w.Body.String()))

	w = doJSON(t, handler, "POST", "/api/v1/block/TFTC", mdip.BlockInfo{Height: 7, Hash: strings.Repeat("ab", 32), Time: 1700000000})
	require.Equal(t, http.StatusOK, w.Code)

	for _, path := range []string{"/api/v1/block/TFTC/latest", "/api/v1/block/TFTC/7", "/api/v1/block/TFTC/" + strings.Repeat("ab", 32)} {
		w = doJSON(t, handler, "GET", path, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var block mdip.BlockInfo
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &block))
		assert.Equal(t, 7, block.Height, path)
	}

	w = doJSON(t, handler, "POST", "/api/v1/block/mock", mdip.BlockInfo{Height: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClientRoundTrip(t *testing.T) {
	handler, g, state := newTestServer(t)
	ts := httptest.NewServer(handler)
	defer ts.Close()
	state.SetReady(true)

	ctx := context.Background()
	client := mdip.NewClient(ts.URL)

	ready, err := client.IsReady(ctx)
	require.NoError(t, err)
	assert.True(t, ready)

	priv := generateKey(t)
	create, err := mdip.NewAgentOp(priv, "hyperswarm", "")
	require.NoError(t, err)
	did, err := client.CreateDID(ctx, create)
	require.NoError(t, err)

	doc, err := client.ResolveDID(ctx, did, mdip.ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, did, doc.DidDocument.ID)

	_, err = client.ResolveDID(ctx, "did:test:missing", mdip.ResolveOptions{})
	assert.ErrorIs(t, err, mdip.ErrInvalidDID)

	dids, err := client.GetDIDs(ctx, mdip.GetDIDsOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{did}, dids)

	docs, err := client.GetDocs(ctx, mdip.GetDIDsOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, did, docs[0].DidDocument.ID)

	queue, err := client.GetQueue(ctx, "hyperswarm")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	ok, err := client.ClearQueue(ctx, "hyperswarm", queue)
	require.NoError(t, err)
	assert.True(t, ok)

	batch, err := client.ExportBatch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	logs, err := client.ExportDIDs(ctx, []string{did})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	// wipe, then restore from the export
	ok, err = client.ResetDb(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	imported, err := client.ImportBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, imported.Queued)
	assert.Equal(t, 1, g.QueueLength())

	processed, err := client.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed.Added)

	verified, err := client.VerifyDb(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, verified.Verified)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(status), "uptimeSeconds")

	_, err = client.AddText(ctx, "hello")
	assert.ErrorIs(t, err, mdip.ErrNotConnected)
}

func TestEventStream(t *testing.T) {
	n := newTestNode(t)
	ts := httptest.NewServer(n.handler)
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(buildStreamURL(u), nil)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription is registered after the upgrade completes
	require.Eventually(t, func() bool {
		return n.hub.Len() == 1
	}, time.Second, 5*time.Millisecond)

	did := createAgent(t, n.g, generateKey(t), "hyperswarm")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var event mdip.Event
	require.NoError(t, json.Unmarshal(msg, &event))
	assert.Equal(t, did, event.DID)
	assert.NotNil(t, event.Operation.Create)
}

func TestHandleImportUndecodable(t *testing.T) {
	handler, g, _ := newTestServer(t)

	op, err := mdip.NewAgentOp(generateKey(t), "hyperswarm", "")
	require.NoError(t, err)
	did, err := mdip.GenerateDID(op, mdip.DefaultDIDPrefix)
	require.NoError(t, err)
	good := newEvent(did, "hyperswarm", op)
	bogus := json.RawMessage(`{"registry":"hyperswarm","time":"2024-01-01T00:00:00.000Z","ordinal":[0],"operation":{"type":"bogus"}}`)

	w := doJSON(t, handler, "POST", "/api/v1/batch/import", []any{bogus, good})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res mdip.ImportBatchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, mdip.ImportBatchResult{Queued: 1, Rejected: 1, Total: 1}, res)

	// nothing decodable is still a counted result
	w = doJSON(t, handler, "POST", "/api/v1/batch/import", []any{bogus})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, mdip.ImportBatchResult{Rejected: 1, Total: 1}, res)

	w = doJSON(t, handler, "POST", "/api/v1/dids/import", [][]any{{bogus}, {good}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, mdip.ImportBatchResult{Processed: 1, Rejected: 1, Total: 1}, res)

	pres := g.ProcessEvents(context.Background())
	assert.Equal(t, 1, pres.Added)
	_, err = g.ResolveDID(context.Background(), did, mdip.ResolveOptions{})
	assert.NoError(t, err)

	w = doJSON(t, handler, "POST", "/api/v1/batch/import", []any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// the exported log of a DID verifies offline, the way mdip-cli verify-log checks it
func TestClientExportedLogVerifies(t *testing.T) {
	handler, g, _ := newTestServer(t)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	ctx := context.Background()
	client := mdip.NewClient(ts.URL)

	priv := generateKey(t)
	did := createAgent(t, g, priv, "hyperswarm")
	ok, err := g.UpdateDID(ctx, buildUpdate(t, g, priv, did, `{"n":1}`))
	require.NoError(t, err)
	require.True(t, ok)

	logs, err := client.ExportDIDs(ctx, []string{did})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Len(t, logs[0], 2)

	prefix := did[:strings.LastIndex(did, ":")]
	assert.NoError(t, mdip.VerifyEventLog(logs[0], prefix))
	assert.Error(t, mdip.VerifyEventLog(logs[0][1:], prefix))

	other := createAgent(t, g, generateKey(t), "hyperswarm")
	otherLogs, err := client.ExportDIDs(ctx, []string{other})
	require.NoError(t, err)
	spliced := append([]mdip.Event{otherLogs[0][0]}, logs[0][1:]...)
	assert.Error(t, mdip.VerifyEventLog(spliced, prefix))
}
