package mdip

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	ValidVersions   = []int{1}
	ValidTypes      = []string{"agent", "asset"}
	ValidRegistries = []string{
		"local",
		"hyperswarm",
		"TESS",
		"TBTC",
		"TFTC",
		"Signet",
		"Signet-Inscription",
		"BTC-Inscription",
	}
)

const (
	RegistryLocal      = "local"
	RegistryHyperswarm = "hyperswarm"
)

func IsValidRegistry(registry string) bool {
	return slices.Contains(ValidRegistries, registry)
}

// DocumentKind is fixed by the mdip.type of a DID's create operation.
type DocumentKind string

const (
	KindAgent DocumentKind = "agent"
	KindAsset DocumentKind = "asset"
)

type VerificationMethod struct {
	ID           string     `json:"id"`
	Controller   string     `json:"controller"`
	Type         string     `json:"type"`
	PublicKeyJwk *PublicJwk `json:"publicKeyJwk,omitempty"`
}

// The W3C portion of an MDIP document. Agents carry verification methods, assets carry a controller.
type DidDocument struct {
	Context            []string             `json:"@context,omitempty"`
	ID                 string               `json:"id,omitempty"`
	Controller         string               `json:"controller,omitempty"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
	Authentication     []string             `json:"authentication,omitempty"`

	// members not modeled above (service, assertionMethod, ...), carried through unchanged
	Extra map[string]json.RawMessage `json:"-"`
}

var didDocumentMembers = []string{"@context", "id", "controller", "verificationMethod", "authentication"}

func (d DidDocument) MarshalJSON() ([]byte, error) {
	type fields DidDocument
	b, err := json.Marshal(fields(d))
	if err != nil || len(d.Extra) == 0 {
		return b, err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(b, &members); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		if _, ok := members[k]; !ok {
			members[k] = v
		}
	}
	return json.Marshal(members)
}

func (d *DidDocument) UnmarshalJSON(b []byte) error {
	type fields DidDocument
	var f fields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(b, &members); err != nil {
		return err
	}
	for _, k := range didDocumentMembers {
		delete(members, k)
	}
	*d = DidDocument(f)
	d.Extra = nil
	if len(members) > 0 {
		d.Extra = members
	}
	return nil
}

type TimestampBound struct {
	Time    int64  `json:"time"`
	TimeISO string `json:"timeISO"`
	BlockID string `json:"blockid"`
	Height  int    `json:"height"`
	Txid    string `json:"txid,omitempty"`
	Txidx   int    `json:"txidx,omitempty"`
	BatchID string `json:"batchid,omitempty"`
	Opidx   int    `json:"opidx,omitempty"`
}

// Anchor-derived bounds on when an operation happened.
type Timestamp struct {
	Chain      string          `json:"chain"`
	Opid       string          `json:"opid"`
	LowerBound *TimestampBound `json:"lowerBound,omitempty"`
	UpperBound *TimestampBound `json:"upperBound,omitempty"`
}

type DocumentMetadata struct {
	Created     string     `json:"created,omitempty"`
	Updated     string     `json:"updated,omitempty"`
	Deleted     string     `json:"deleted,omitempty"`
	Deactivated bool       `json:"deactivated,omitempty"`
	CanonicalID string     `json:"canonicalId,omitempty"`
	VersionID   string     `json:"versionId,omitempty"`
	Version     int        `json:"version,omitempty"`
	Confirmed   bool       `json:"confirmed"`
	Timestamp   *Timestamp `json:"timestamp,omitempty"`
}

// UnmarshalJSON accepts version as a number or a numeric string, as other implementations emit it.
func (m *DocumentMetadata) UnmarshalJSON(b []byte) error {
	type fields DocumentMetadata
	aux := struct {
		*fields
		Version json.RawMessage `json:"version,omitempty"`
	}{fields: (*fields)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	m.Version = 0
	v := strings.Trim(string(aux.Version), `"`)
	if v == "" || v == "null" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid document version %s: %w", aux.Version, err)
	}
	m.Version = n
	return nil
}

type ResolutionMetadata struct {
	Retrieved string `json:"retrieved,omitempty"`
}

// Struct representing a resolved MDIP document. Derived by replaying a DID's events; never stored directly.
type Document struct {
	DidDocument           *DidDocument        `json:"didDocument,omitempty"`
	DidDocumentMetadata   *DocumentMetadata   `json:"didDocumentMetadata,omitempty"`
	DidDocumentData       json.RawMessage     `json:"didDocumentData,omitempty"`
	Mdip                  *MdipInfo           `json:"mdip,omitempty"`
	DidResolutionMetadata *ResolutionMetadata `json:"didResolutionMetadata,omitempty"`
}

func (d *Document) Kind() DocumentKind {
	if d == nil || d.Mdip == nil {
		return ""
	}
	return DocumentKind(d.Mdip.Type)
}

// Registry the DID is natively anchored on ("" if unknown).
func (d *Document) Registry() string {
	if d == nil || d.Mdip == nil {
		return ""
	}
	return d.Mdip.Registry
}

// Clone returns a deep copy, so callers can mutate metadata without touching stored operations.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return &Document{}
	}
	var out Document
	if err := json.Unmarshal(b, &out); err != nil {
		return &Document{}
	}
	return &out
}

// GenerateDoc materializes the base document of a create operation for the given DID.
func GenerateDoc(op *CreateOp, did string) (*Document, error) {
	if op == nil || op.Mdip == nil {
		return nil, invalidOperation("mdip")
	}
	if !slices.Contains(ValidVersions, op.Mdip.Version) {
		return nil, invalidOperation(fmt.Sprintf("mdip.version=%d", op.Mdip.Version))
	}
	if !IsValidRegistry(op.Mdip.Registry) {
		return nil, invalidOperation("mdip.registry=" + op.Mdip.Registry)
	}

	mdip := *op.Mdip
	doc := &Document{
		DidDocumentMetadata: &DocumentMetadata{
			Created: op.Created,
		},
		Mdip: &mdip,
	}

	switch DocumentKind(op.Mdip.Type) {
	case KindAgent:
		doc.DidDocument = &DidDocument{
			Context: []string{"https://www.w3.org/ns/did/v1"},
			ID:      did,
			VerificationMethod: []VerificationMethod{
				{
					ID:           "#key-1",
					Controller:   did,
					Type:         "EcdsaSecp256k1VerificationKey2019",
					PublicKeyJwk: op.PublicJwk,
				},
			},
			Authentication: []string{"#key-1"},
		}
		doc.DidDocumentData = json.RawMessage("{}")
	case KindAsset:
		doc.DidDocument = &DidDocument{
			Context:    []string{"https://www.w3.org/ns/did/v1"},
			ID:         did,
			Controller: op.Controller,
		}
		doc.DidDocumentData = op.Data
	default:
		return nil, invalidOperation("mdip.type=" + op.Mdip.Type)
	}

	if op.Mdip.Prefix != "" {
		doc.DidDocumentMetadata.CanonicalID = did
	}

	return doc, nil
}
