package mdip

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/require"
)

func newTestGatekeeper(t *testing.T, registries ...string) *Gatekeeper {
	t.Helper()
	return newTestGatekeeperWithOptions(t, Options{Registries: registries})
}

func newTestGatekeeperWithOptions(t *testing.T, opts Options) *Gatekeeper {
	t.Helper()
	if opts.Store == nil {
		opts.Store = NewMemStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g, err := New(opts)
	require.NoError(t, err)
	return g
}

func generateKey(t *testing.T) atcrypto.PrivateKey {
	t.Helper()
	priv, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)
	return priv
}

// helper: create an agent DID on registry and return its DID
func createAgent(t *testing.T, g *Gatekeeper, priv atcrypto.PrivateKey, registry string) string {
	t.Helper()
	op, err := NewAgentOp(priv, registry, "")
	require.NoError(t, err)
	did, err := g.CreateDID(context.Background(), op)
	require.NoError(t, err)
	return did
}

// helper: create an asset controlled by controller and return its DID
func createAsset(t *testing.T, g *Gatekeeper, priv atcrypto.PrivateKey, controller, registry string, data string) string {
	t.Helper()
	op, err := NewAssetOp(priv, controller, registry, json.RawMessage(data))
	require.NoError(t, err)
	did, err := g.CreateDID(context.Background(), op)
	require.NoError(t, err)
	return did
}

// helper: build a signed update replacing the data of doc, chained after doc's current version
func buildUpdate(t *testing.T, priv atcrypto.PrivateKey, signer string, did string, doc *Document, data string) *UpdateOp {
	t.Helper()
	next := doc.Clone()
	next.DidDocumentData = json.RawMessage(data)
	op, err := NewUpdateOp(priv, signer, did, doc.DidDocumentMetadata.VersionID, next)
	require.NoError(t, err)
	return op
}

func resolve(t *testing.T, g *Gatekeeper, did string) *Document {
	t.Helper()
	doc, err := g.ResolveDID(context.Background(), did, ResolveOptions{})
	require.NoError(t, err)
	return doc
}

func dataOf(t *testing.T, doc *Document) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(doc.DidDocumentData, &m))
	return m
}

func newEvent(registry string, op Operation, ordinal ...int) Event {
	return Event{
		Registry:  registry,
		Time:      syntax.DatetimeNow().String(),
		Ordinal:   Ordinal(ordinal),
		Operation: *op.AsOpEnum(),
	}
}
