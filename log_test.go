package mdip

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBlockID(t *testing.T) {
	assert := assert.New(t)

	assert.True(ParseBlockID("").IsLatest())
	assert.True(ParseBlockID("latest").IsLatest())
	assert.Equal(BlockAtHeight(31226), ParseBlockID("31226"))
	assert.Equal(BlockWithHash("00000000abc"), ParseBlockID("00000000abc"))
	assert.False(BlockAtHeight(0).IsLatest())
}

func TestEventValidate(t *testing.T) {
	assert := assert.New(t)

	priv := generateKey(t)
	create, err := NewAgentOp(priv, "hyperswarm", "")
	require.NoError(t, err)

	ev := newEvent("hyperswarm", create)
	assert.NoError(ev.Validate(DefaultMaxOpBytes))

	noTime := ev
	noTime.Time = ""
	assert.Error(noTime.Validate(DefaultMaxOpBytes))

	badTime := ev
	badTime.Time = "mock"
	assert.Error(badTime.Validate(DefaultMaxOpBytes))

	assert.Error(ev.Validate(10), "size limit")

	empty := Event{Registry: "hyperswarm", Time: ev.Time}
	assert.Error(empty.Validate(DefaultMaxOpBytes))

	// an update must carry a complete document
	upd, err := NewUpdateOp(priv, "did:test:abc", "did:test:abc", create.CID(), &Document{DidDocument: &DidDocument{ID: "did:test:abc"}})
	require.NoError(t, err)
	updEvent := newEvent("hyperswarm", upd)
	assert.Error(updEvent.Validate(DefaultMaxOpBytes))

	del, err := NewDeleteOp(priv, "did:test:abc", "did:test:abc", create.CID())
	require.NoError(t, err)
	delEvent := newEvent("hyperswarm", del)
	assert.NoError(delEvent.Validate(DefaultMaxOpBytes))

	del.Signature.Hash = "mock"
	tampered := newEvent("hyperswarm", del)
	assert.Error(tampered.Validate(DefaultMaxOpBytes))
}

func TestEventJSON(t *testing.T) {
	assert := assert.New(t)

	create, err := NewAgentOp(generateKey(t), "TFTC", "")
	require.NoError(t, err)

	ev := newEvent("TFTC", create, 31226, 1, 0)
	ev.Blockchain = &Blockchain{Height: 31226, Index: 1, Txid: "mock", Batch: "mock"}

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.True(strings.Contains(string(b), `"ordinal":[31226,1,0]`))
	assert.False(strings.Contains(string(b), `"opid"`))

	var parsed Event
	require.NoError(t, json.Unmarshal(b, &parsed))
	assert.Equal(ev.Ordinal, parsed.Ordinal)
	assert.Equal(create.CID(), parsed.Operation.AsOperation().CID())
	assert.Equal(31226, parsed.Blockchain.Height)
}

func TestVerifyEventLog(t *testing.T) {
	assert := assert.New(t)

	priv := generateKey(t)
	create, err := NewAgentOp(priv, "hyperswarm", "")
	require.NoError(t, err)
	did, err := GenerateDID(create, DefaultDIDPrefix)
	require.NoError(t, err)
	doc, err := GenerateDoc(create, did)
	require.NoError(t, err)
	doc.DidDocumentMetadata.VersionID = create.CID()

	upd := buildUpdate(t, priv, did, did, doc, `{"n":1}`)
	del, err := NewDeleteOp(priv, did, did, upd.CID())
	require.NoError(t, err)

	events := []Event{
		newEvent("hyperswarm", create),
		newEvent("hyperswarm", upd),
		newEvent("hyperswarm", del),
	}
	assert.NoError(VerifyEventLog(events, DefaultDIDPrefix))

	assert.Error(VerifyEventLog(nil, DefaultDIDPrefix))
	assert.Error(VerifyEventLog(events[1:], DefaultDIDPrefix))

	// out of order breaks the previd chain
	assert.Error(VerifyEventLog([]Event{events[0], events[2], events[1]}, DefaultDIDPrefix))

	// nothing follows a delete
	assert.Error(VerifyEventLog(append(events, events[1]), DefaultDIDPrefix))

	// signed by a different key
	other := generateKey(t)
	forged := buildUpdate(t, other, did, did, doc, `{"n":2}`)
	assert.Error(VerifyEventLog([]Event{events[0], newEvent("hyperswarm", forged)}, DefaultDIDPrefix))
}
