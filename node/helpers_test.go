package node

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/KeychainMDIP/kc-sub000"
	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	logger := testLogger()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		store, err := NewGormStoreWithPostgres(dbURL, logger)
		require.NoError(t, err)
		// Truncate tables for test isolation
		require.NoError(t, store.db.Exec("TRUNCATE events, queued_ops, blocks").Error)
		t.Cleanup(func() {
			store.db.Exec("TRUNCATE events, queued_ops, blocks")
			store.Close()
		})
		return store
	}

	store, err := NewGormStoreWithDialector(sqlite.Open(":memory:"), logger)
	require.NoError(t, err)
	sqlDB, err := store.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return store
}

func newTestGatekeeper(t *testing.T, store mdip.Store, onEvent func(mdip.Event)) *mdip.Gatekeeper {
	t.Helper()
	if store == nil {
		store = mdip.NewMemStore()
	}
	g, err := mdip.New(mdip.Options{
		Store:   store,
		Logger:  testLogger(),
		OnEvent: onEvent,
	})
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
func createAgent(t *testing.T, g *mdip.Gatekeeper, priv atcrypto.PrivateKey, registry string) string {
	t.Helper()
	op, err := mdip.NewAgentOp(priv, registry, "")
	require.NoError(t, err)
	did, err := g.CreateDID(context.Background(), op)
	require.NoError(t, err)
	return did
}

// helper: build a signed update replacing the data of did's current document
func buildUpdate(t *testing.T, g *mdip.Gatekeeper, priv atcrypto.PrivateKey, did string, data string) *mdip.UpdateOp {
	t.Helper()
	doc, err := g.ResolveDID(context.Background(), did, mdip.ResolveOptions{})
	require.NoError(t, err)
	next := doc.Clone()
	next.DidDocumentData = json.RawMessage(data)
	op, err := mdip.NewUpdateOp(priv, did, did, doc.DidDocumentMetadata.VersionID, next)
	require.NoError(t, err)
	return op
}

func newEvent(did string, registry string, op mdip.Operation) mdip.Event {
	return mdip.Event{
		Registry:  registry,
		Time:      "2024-01-01T00:00:00.000Z",
		Ordinal:   mdip.Ordinal{0},
		Operation: *op.AsOpEnum(),
		DID:       did,
	}
}
