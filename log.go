package mdip

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Ledger confirmation metadata for an anchored event.
type Blockchain struct {
	Height int    `json:"height"`
	Index  int    `json:"index"`
	Txid   string `json:"txid"`
	Batch  string `json:"batch"`
	Opidx  int    `json:"opidx,omitempty"`
}

// A single entry of a DID's event log.
type Event struct {
	Registry   string      `json:"registry"`
	Time       string      `json:"time"`
	Ordinal    Ordinal     `json:"ordinal,omitempty"`
	Operation  OpEnum      `json:"operation"`
	DID        string      `json:"did,omitempty"`
	Opid       string      `json:"opid,omitempty"`
	Blockchain *Blockchain `json:"blockchain,omitempty"`
}

type BlockInfo struct {
	Height int    `json:"height"`
	Hash   string `json:"hash"`
	Time   int64  `json:"time"`
	Txns   int    `json:"txns,omitempty"`
}

// BlockID selects a block by height or by hash. The zero value selects the latest block.
type BlockID struct {
	Height   int
	Hash     string
	ByHeight bool
}

var LatestBlock = BlockID{}

func BlockAtHeight(height int) BlockID {
	return BlockID{Height: height, ByHeight: true}
}

func BlockWithHash(hash string) BlockID {
	return BlockID{Hash: hash}
}

// ParseBlockID interprets numeric strings as heights and anything else as a hash.
func ParseBlockID(s string) BlockID {
	if s == "" || s == "latest" {
		return LatestBlock
	}
	if h, err := strconv.Atoi(s); err == nil {
		return BlockAtHeight(h)
	}
	return BlockWithHash(s)
}

func (id BlockID) IsLatest() bool {
	return !id.ByHeight && id.Hash == ""
}

var hashRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

func parseTime(s string) (time.Time, error) {
	dt, err := syntax.ParseDatetimeLenient(s)
	if err != nil {
		return time.Time{}, err
	}
	return dt.Time(), nil
}

func validDate(s string) bool {
	if s == "" {
		return false
	}
	_, err := parseTime(s)
	return err == nil
}

func validSignatureFormat(sig *Signature) bool {
	if sig == nil {
		return false
	}
	if !validDate(sig.Signed) {
		return false
	}
	if !hashRegex.MatchString(sig.Hash) {
		return false
	}
	if sig.Signer != "" && !hasDIDScheme(sig.Signer) {
		return false
	}
	return true
}

func hasDIDScheme(s string) bool {
	return len(s) > 4 && s[:4] == "did:"
}

// Checks self-consistency of this event in isolation. Does not access other context or events.
func (e *Event) Validate(maxOpBytes int) error {
	if e.Registry == "" || e.Time == "" {
		return fmt.Errorf("missing registry or time")
	}
	if !validDate(e.Time) {
		return fmt.Errorf("invalid event time: %s", e.Time)
	}

	op := e.Operation.AsOperation()
	if op == nil {
		return fmt.Errorf("invalid operation type")
	}
	if maxOpBytes > 0 && len(op.SignedBytes()) > maxOpBytes {
		return fmt.Errorf("operation too large")
	}
	if !validSignatureFormat(op.GetSignature()) {
		return fmt.Errorf("invalid signature format")
	}

	switch v := op.(type) {
	case *CreateOp:
		if v.Created == "" || v.Mdip == nil {
			return fmt.Errorf("create missing created or mdip")
		}
		if v.Mdip.Version != 1 {
			return fmt.Errorf("unsupported mdip version: %d", v.Mdip.Version)
		}
		if v.Mdip.Type != string(KindAgent) && v.Mdip.Type != string(KindAsset) {
			return fmt.Errorf("unsupported mdip type: %s", v.Mdip.Type)
		}
		if !IsValidRegistry(v.Mdip.Registry) {
			return fmt.Errorf("unsupported registry: %s", v.Mdip.Registry)
		}
		if v.Mdip.Type == string(KindAgent) && v.PublicJwk == nil {
			return fmt.Errorf("agent create missing publicJwk")
		}
		if v.Mdip.Type == string(KindAsset) && v.Controller != v.Signature.Signer {
			return fmt.Errorf("asset signer is not controller")
		}
	case *UpdateOp:
		doc := v.Doc
		if doc == nil || doc.DidDocument == nil || doc.DidDocumentMetadata == nil || doc.DidDocumentData == nil || doc.Mdip == nil {
			return fmt.Errorf("update missing document")
		}
		if v.DID == "" {
			return fmt.Errorf("update missing did")
		}
	case *DeleteOp:
		if v.DID == "" {
			return fmt.Errorf("delete missing did")
		}
	}
	return nil
}

// Verifies an ordered event log for a single DID, without access to other DIDs.
//
// Chain linkage is always checked. Signatures are checked for agent logs; asset
// signatures need the controller's document and are left to the Gatekeeper.
func VerifyEventLog(events []Event, defaultPrefix string) error {
	if len(events) == 0 {
		return fmt.Errorf("can't verify empty event log")
	}

	create := events[0].Operation.Create
	if create == nil {
		return fmt.Errorf("first event is not a create")
	}
	did, err := GenerateDID(create, defaultPrefix)
	if err != nil {
		return err
	}
	doc, err := GenerateDoc(create, did)
	if err != nil {
		return err
	}
	if doc.Kind() == KindAgent {
		pub, err := create.PublicJwk.PublicKey()
		if err != nil {
			return err
		}
		if err := create.VerifySignature(pub); err != nil {
			return fmt.Errorf("failed to validate create signature: %w", err)
		}
	}

	versionID := create.CID()
	deactivated := false

	for i, ev := range events[1:] {
		if err := ev.Validate(0); err != nil {
			return fmt.Errorf("event %d: %w", i+1, err)
		}
		op := ev.Operation.AsOperation()
		if op.TargetDID() != "" && DIDSuffix(op.TargetDID()) != DIDSuffix(did) {
			return fmt.Errorf("event %d: inconsistent DID", i+1)
		}
		if deactivated {
			return fmt.Errorf("event %d: DID deactivated", i+1)
		}
		if prev := op.PrevID(); prev != "" && prev != versionID {
			return fmt.Errorf("event %d: previd mismatch", i+1)
		}

		if doc.Kind() == KindAgent {
			if len(doc.DidDocument.VerificationMethod) == 0 {
				return fmt.Errorf("event %d: missing verification method", i+1)
			}
			pub, err := doc.DidDocument.VerificationMethod[0].PublicKeyJwk.PublicKey()
			if err != nil {
				return err
			}
			if err := op.VerifySignature(pub); err != nil {
				return fmt.Errorf("event %d: %w", i+1, err)
			}
		}

		switch v := op.(type) {
		case *UpdateOp:
			doc = v.Doc.Clone()
			if doc.DidDocument == nil {
				return fmt.Errorf("event %d: update missing didDocument", i+1)
			}
		case *DeleteOp:
			deactivated = true
		default:
			return fmt.Errorf("event %d: unexpected create", i+1)
		}
		versionID = op.CID()
	}
	return nil
}
