package mdip

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/gowebpki/jcs"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

const (
	OpTypeCreate = "create"
	OpTypeUpdate = "update"
	OpTypeDelete = "delete"
)

// multicodec codes
const (
	codecRaw  = 0x55
	codecJSON = 0x0200
)

// Interface implemented by all operation types.
type Operation interface {
	// "create", "update" or "delete"
	OpType() string
	// DID the operation applies to ("" for creates)
	TargetDID() string
	// versionId of the previous operation ("" for creates and legacy ops)
	PrevID() string
	// anchor block hash observed by the signer, if any
	BlockID() string
	GetSignature() *Signature
	// canonical JSON of a copy of the op, with the `signature` field omitted
	UnsignedBytes() []byte
	// canonical JSON of the op, with the `signature` field included
	SignedBytes() []byte
	// hex sha256 of UnsignedBytes
	Hash() string
	// CID of the full (signed) operation
	CID() string
	// signs the object in-place. signer is omitted for self-signed agent creates
	Sign(priv atcrypto.PrivateKey, signer string) error
	// verify signature. returns atcrypto.ErrInvalidSignature if appropriate
	VerifySignature(pub atcrypto.PublicKey) error
	AsOpEnum() *OpEnum
}

type Signature struct {
	Signer string `json:"signer,omitempty"`
	Signed string `json:"signed"`
	Hash   string `json:"hash"`
	Value  string `json:"value"`
}

type MdipInfo struct {
	Version    int    `json:"version"`
	Type       string `json:"type"`
	Registry   string `json:"registry"`
	Prefix     string `json:"prefix,omitempty"`
	ValidUntil string `json:"validUntil,omitempty"`
}

// Creates an agent (self-signed, carries publicJwk) or an asset (signed by its controller, carries data).
type CreateOp struct {
	// Type is "create"
	Type       string          `json:"type"`
	Created    string          `json:"created,omitempty"`
	Mdip       *MdipInfo       `json:"mdip,omitempty"`
	PublicJwk  *PublicJwk      `json:"publicJwk,omitempty"`
	Controller string          `json:"controller,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Blockid    string          `json:"blockid,omitempty"`
	Signature  *Signature      `json:"signature,omitempty"`

	raw json.RawMessage
}

// Replaces the document of an existing DID.
type UpdateOp struct {
	// Type is "update"
	Type      string     `json:"type"`
	DID       string     `json:"did"`
	Previd    string     `json:"previd,omitempty"`
	Doc       *Document  `json:"doc,omitempty"`
	Blockid   string     `json:"blockid,omitempty"`
	Signature *Signature `json:"signature,omitempty"`

	raw json.RawMessage
}

// Deactivates an existing DID. No further operations apply after a delete.
type DeleteOp struct {
	// Type is "delete"
	Type      string     `json:"type"`
	DID       string     `json:"did"`
	Previd    string     `json:"previd,omitempty"`
	Blockid   string     `json:"blockid,omitempty"`
	Signature *Signature `json:"signature,omitempty"`

	raw json.RawMessage
}

var _ Operation = (*CreateOp)(nil)
var _ Operation = (*UpdateOp)(nil)
var _ Operation = (*DeleteOp)(nil)

// A concrete type representing a single operation, which is one of [CreateOp], [UpdateOp], or [DeleteOp].
type OpEnum struct {
	Create *CreateOp
	Update *UpdateOp
	Delete *DeleteOp
}

// canonicalJSON marshals v and applies RFC 8785 canonicalization.
func canonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(b)
}

func computeCID(codec uint64, b []byte) cid.Cid {
	cidBuilder := cid.V1Builder{Codec: codec, MhType: multihash.SHA2_256, MhLength: -1}
	c, err := cidBuilder.Sum(b)
	if err != nil {
		return cid.Undef
	}
	return c
}

func cidString(c cid.Cid) string {
	if !c.Defined() {
		return ""
	}
	s, err := c.StringOfBase(multibase.Base58BTC)
	if err != nil {
		return ""
	}
	return s
}

// GenerateCID returns the base58btc CIDv1 (json codec, sha2-256) of the canonical JSON form of v.
func GenerateCID(v any) (string, error) {
	b, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	s := cidString(computeCID(codecJSON, b))
	if s == "" {
		return "", fmt.Errorf("failed to compute CID")
	}
	return s, nil
}

func hashHex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// rawSignedBytes canonicalizes an operation exactly as it was received.
func rawSignedBytes(raw json.RawMessage) []byte {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil
	}
	return out
}

// rawUnsignedBytes canonicalizes a received operation with its `signature` member removed.
func rawUnsignedBytes(raw json.RawMessage) []byte {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil
	}
	delete(members, "signature")
	b, err := json.Marshal(members)
	if err != nil {
		return nil
	}
	out, err := jcs.Transform(b)
	if err != nil {
		return nil
	}
	return out
}

func replaceRawSignature(raw json.RawMessage, sig *Signature) (json.RawMessage, error) {
	if raw == nil {
		return nil, nil
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, err
	}
	b, err := json.Marshal(sig)
	if err != nil {
		return nil, err
	}
	members["signature"] = b
	return json.Marshal(members)
}

func (op *CreateOp) OpType() string           { return op.Type }
func (op *CreateOp) TargetDID() string        { return "" }
func (op *CreateOp) PrevID() string           { return "" }
func (op *CreateOp) BlockID() string          { return op.Blockid }
func (op *CreateOp) GetSignature() *Signature { return op.Signature }

func (op *CreateOp) UnsignedBytes() []byte {
	if op.raw != nil {
		return rawUnsignedBytes(op.raw)
	}
	unsigned := *op
	unsigned.Signature = nil
	out, err := canonicalJSON(&unsigned)
	if err != nil {
		return nil
	}
	return out
}

func (op *CreateOp) SignedBytes() []byte {
	if op.raw != nil {
		return rawSignedBytes(op.raw)
	}
	out, err := canonicalJSON(op)
	if err != nil {
		return nil
	}
	return out
}

func (op *CreateOp) Hash() string {
	return hashHex(op.UnsignedBytes())
}

func (op *CreateOp) CID() string {
	return cidString(computeCID(codecJSON, op.SignedBytes()))
}

func (op *CreateOp) Sign(priv atcrypto.PrivateKey, signer string) error {
	sig, err := signOp(op, priv, signer)
	if err != nil {
		return err
	}
	op.Signature = sig
	op.raw, err = replaceRawSignature(op.raw, sig)
	return err
}

func (op *CreateOp) VerifySignature(pub atcrypto.PublicKey) error {
	return verifySigOp(op, pub, op.Signature)
}

func (op *CreateOp) MarshalJSON() ([]byte, error) {
	if op.raw != nil {
		return op.raw, nil
	}
	type fields CreateOp
	return json.Marshal((*fields)(op))
}

// UnmarshalJSON keeps the received bytes so hashes and CIDs cover members this type doesn't model.
func (op *CreateOp) UnmarshalJSON(b []byte) error {
	type fields CreateOp
	var f fields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*op = CreateOp(f)
	op.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (op *CreateOp) AsOpEnum() *OpEnum {
	return &OpEnum{Create: op}
}

func (op *UpdateOp) OpType() string           { return op.Type }
func (op *UpdateOp) TargetDID() string        { return op.DID }
func (op *UpdateOp) PrevID() string           { return op.Previd }
func (op *UpdateOp) BlockID() string          { return op.Blockid }
func (op *UpdateOp) GetSignature() *Signature { return op.Signature }

func (op *UpdateOp) UnsignedBytes() []byte {
	if op.raw != nil {
		return rawUnsignedBytes(op.raw)
	}
	unsigned := *op
	unsigned.Signature = nil
	out, err := canonicalJSON(&unsigned)
	if err != nil {
		return nil
	}
	return out
}

func (op *UpdateOp) SignedBytes() []byte {
	if op.raw != nil {
		return rawSignedBytes(op.raw)
	}
	out, err := canonicalJSON(op)
	if err != nil {
		return nil
	}
	return out
}

func (op *UpdateOp) Hash() string {
	return hashHex(op.UnsignedBytes())
}

func (op *UpdateOp) CID() string {
	return cidString(computeCID(codecJSON, op.SignedBytes()))
}

func (op *UpdateOp) Sign(priv atcrypto.PrivateKey, signer string) error {
	sig, err := signOp(op, priv, signer)
	if err != nil {
		return err
	}
	op.Signature = sig
	op.raw, err = replaceRawSignature(op.raw, sig)
	return err
}

func (op *UpdateOp) VerifySignature(pub atcrypto.PublicKey) error {
	return verifySigOp(op, pub, op.Signature)
}

func (op *UpdateOp) MarshalJSON() ([]byte, error) {
	if op.raw != nil {
		return op.raw, nil
	}
	type fields UpdateOp
	return json.Marshal((*fields)(op))
}

func (op *UpdateOp) UnmarshalJSON(b []byte) error {
	type fields UpdateOp
	var f fields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*op = UpdateOp(f)
	op.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (op *UpdateOp) AsOpEnum() *OpEnum {
	return &OpEnum{Update: op}
}

func (op *DeleteOp) OpType() string           { return op.Type }
func (op *DeleteOp) TargetDID() string        { return op.DID }
func (op *DeleteOp) PrevID() string           { return op.Previd }
func (op *DeleteOp) BlockID() string          { return op.Blockid }
func (op *DeleteOp) GetSignature() *Signature { return op.Signature }

func (op *DeleteOp) UnsignedBytes() []byte {
	if op.raw != nil {
		return rawUnsignedBytes(op.raw)
	}
	unsigned := *op
	unsigned.Signature = nil
	out, err := canonicalJSON(&unsigned)
	if err != nil {
		return nil
	}
	return out
}

func (op *DeleteOp) SignedBytes() []byte {
	if op.raw != nil {
		return rawSignedBytes(op.raw)
	}
	out, err := canonicalJSON(op)
	if err != nil {
		return nil
	}
	return out
}

func (op *DeleteOp) Hash() string {
	return hashHex(op.UnsignedBytes())
}

func (op *DeleteOp) CID() string {
	return cidString(computeCID(codecJSON, op.SignedBytes()))
}

func (op *DeleteOp) Sign(priv atcrypto.PrivateKey, signer string) error {
	sig, err := signOp(op, priv, signer)
	if err != nil {
		return err
	}
	op.Signature = sig
	op.raw, err = replaceRawSignature(op.raw, sig)
	return err
}

func (op *DeleteOp) VerifySignature(pub atcrypto.PublicKey) error {
	return verifySigOp(op, pub, op.Signature)
}

func (op *DeleteOp) MarshalJSON() ([]byte, error) {
	if op.raw != nil {
		return op.raw, nil
	}
	type fields DeleteOp
	return json.Marshal((*fields)(op))
}

func (op *DeleteOp) UnmarshalJSON(b []byte) error {
	type fields DeleteOp
	var f fields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*op = DeleteOp(f)
	op.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (op *DeleteOp) AsOpEnum() *OpEnum {
	return &OpEnum{Delete: op}
}

func signOp(op Operation, priv atcrypto.PrivateKey, signer string) (*Signature, error) {
	b := op.UnsignedBytes()
	if b == nil {
		return nil, fmt.Errorf("failed to canonicalize operation")
	}
	sig, err := priv.HashAndSign(b)
	if err != nil {
		return nil, err
	}
	return &Signature{
		Signer: signer,
		Signed: syntax.DatetimeNow().String(),
		Hash:   hashHex(b),
		Value:  hex.EncodeToString(sig),
	}, nil
}

func verifySigOp(op Operation, pub atcrypto.PublicKey, sig *Signature) error {
	if sig == nil || sig.Value == "" {
		return fmt.Errorf("can't verify empty signature")
	}

	b := op.UnsignedBytes()
	if b == nil {
		return fmt.Errorf("failed to canonicalize operation")
	}
	if sig.Hash != "" && !strings.EqualFold(sig.Hash, hashHex(b)) {
		return atcrypto.ErrInvalidSignature
	}

	sigBytes, err := hex.DecodeString(sig.Value)
	if err != nil {
		return atcrypto.ErrInvalidSignature
	}
	return pub.HashAndVerify(b, sigBytes)
}

func (o OpEnum) MarshalJSON() ([]byte, error) {
	if o.Create != nil {
		return json.Marshal(o.Create)
	} else if o.Update != nil {
		return json.Marshal(o.Update)
	} else if o.Delete != nil {
		return json.Marshal(o.Delete)
	}
	return nil, fmt.Errorf("can't marshal empty OpEnum")
}

func (o *OpEnum) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	if head.Type == nil {
		return fmt.Errorf("did not find expected operation 'type' field")
	}
	typ := *head.Type

	switch typ {
	case OpTypeCreate:
		o.Create = &CreateOp{}
		return json.Unmarshal(b, o.Create)
	case OpTypeUpdate:
		o.Update = &UpdateOp{}
		return json.Unmarshal(b, o.Update)
	case OpTypeDelete:
		o.Delete = &DeleteOp{}
		return json.Unmarshal(b, o.Delete)
	default:
		return fmt.Errorf("unexpected operation type: %q", typ)
	}
}

func (oe *OpEnum) AsOperation() Operation {
	if oe == nil {
		return nil
	}
	if oe.Create != nil {
		return oe.Create
	} else if oe.Update != nil {
		return oe.Update
	} else if oe.Delete != nil {
		return oe.Delete
	}
	return nil
}

// NewAgentOp returns a new self-signed agent create operation for the key pair.
func NewAgentOp(priv atcrypto.PrivateKey, registry string, prefix string) (*CreateOp, error) {
	pub, err := priv.PublicKey()
	if err != nil {
		return nil, err
	}
	jwk, err := NewPublicJwk(pub)
	if err != nil {
		return nil, err
	}
	op := &CreateOp{
		Type:    OpTypeCreate,
		Created: syntax.DatetimeNow().String(),
		Mdip: &MdipInfo{
			Version:  1,
			Type:     "agent",
			Registry: registry,
			Prefix:   prefix,
		},
		PublicJwk: jwk,
	}
	if err := op.Sign(priv, ""); err != nil {
		return nil, err
	}
	return op, nil
}

// NewAssetOp returns a new asset create operation signed by the controlling agent's key.
func NewAssetOp(priv atcrypto.PrivateKey, controller string, registry string, data json.RawMessage) (*CreateOp, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	op := &CreateOp{
		Type:    OpTypeCreate,
		Created: syntax.DatetimeNow().String(),
		Mdip: &MdipInfo{
			Version:  1,
			Type:     "asset",
			Registry: registry,
		},
		Controller: controller,
		Data:       data,
	}
	if err := op.Sign(priv, controller); err != nil {
		return nil, err
	}
	return op, nil
}

// NewUpdateOp returns a signed update operation replacing the document of did.
// previd should be the versionId of the currently resolved document.
func NewUpdateOp(priv atcrypto.PrivateKey, signer string, did string, previd string, doc *Document) (*UpdateOp, error) {
	op := &UpdateOp{
		Type:   OpTypeUpdate,
		DID:    did,
		Previd: previd,
		Doc:    doc,
	}
	if err := op.Sign(priv, signer); err != nil {
		return nil, err
	}
	return op, nil
}

// NewDeleteOp returns a signed delete operation for did.
func NewDeleteOp(priv atcrypto.PrivateKey, signer string, did string, previd string) (*DeleteOp, error) {
	op := &DeleteOp{
		Type:   OpTypeDelete,
		DID:    did,
		Previd: previd,
	}
	if err := op.Sign(priv, signer); err != nil {
		return nil, err
	}
	return op, nil
}
