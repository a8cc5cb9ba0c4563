package mdip

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
)

// asset controllers may themselves be assets; bound the chain
const maxControllerDepth = 8

// VerifyEvent is a cheap structural check run on every imported event before it is queued.
func (g *Gatekeeper) VerifyEvent(event *Event) bool {
	return event.Validate(g.maxOpBytes) == nil
}

// VerifyOperation checks an operation against the current state of its DID.
//
// Returns false, nil when the operation is well formed but its signature does not verify.
// Structural problems return an error wrapping ErrInvalidOperation. An error wrapping
// ErrInvalidDID means the DID (or the controller of an asset) is not known yet.
func (g *Gatekeeper) VerifyOperation(ctx context.Context, op Operation) (bool, error) {
	switch v := op.(type) {
	case *CreateOp:
		return g.verifyCreateOperation(ctx, v)
	case *UpdateOp, *DeleteOp:
		doc, err := g.ResolveDID(ctx, op.TargetDID(), ResolveOptions{})
		if err != nil {
			return false, err
		}
		return g.verifyUpdateOperation(ctx, op, doc, 0)
	}
	return false, nil
}

func (g *Gatekeeper) checkSize(op Operation) error {
	b := op.SignedBytes()
	if b == nil || len(b) > g.maxOpBytes {
		return invalidOperation("size")
	}
	return nil
}

func verifyWithJwk(op Operation, jwk *PublicJwk) (bool, error) {
	pub, err := jwk.PublicKey()
	if err != nil {
		return false, nil
	}
	err = op.VerifySignature(pub)
	if errors.Is(err, atcrypto.ErrInvalidSignature) {
		return false, nil
	}
	return err == nil, nil
}

// resolveSigner resolves the signer's document as it was, on its native registry, when the operation was signed.
func (g *Gatekeeper) resolveSigner(ctx context.Context, signer string, sig *Signature) (*Document, error) {
	at, err := parseTime(sig.Signed)
	if err != nil {
		return nil, invalidOperation("signature")
	}
	return g.ResolveDID(ctx, signer, ResolveOptions{Confirm: true, AtTime: at})
}

func (g *Gatekeeper) verifyCreateOperation(ctx context.Context, op *CreateOp) (bool, error) {
	if op == nil {
		return false, invalidOperation("missing")
	}
	if err := g.checkSize(op); err != nil {
		return false, err
	}
	if op.Type != OpTypeCreate {
		return false, invalidOperation("type=" + op.Type)
	}
	if !validDate(op.Created) {
		return false, invalidOperation("created=" + op.Created)
	}
	if op.Mdip == nil {
		return false, invalidOperation("mdip")
	}
	if !slices.Contains(ValidVersions, op.Mdip.Version) {
		return false, invalidOperation(fmt.Sprintf("mdip.version=%d", op.Mdip.Version))
	}
	if !slices.Contains(ValidTypes, op.Mdip.Type) {
		return false, invalidOperation("mdip.type=" + op.Mdip.Type)
	}
	if !IsValidRegistry(op.Mdip.Registry) {
		return false, invalidOperation("mdip.registry=" + op.Mdip.Registry)
	}
	if !validSignatureFormat(op.Signature) {
		return false, invalidOperation("signature")
	}
	if op.Mdip.ValidUntil != "" && !validDate(op.Mdip.ValidUntil) {
		return false, invalidOperation("mdip.validUntil=" + op.Mdip.ValidUntil)
	}

	switch DocumentKind(op.Mdip.Type) {
	case KindAgent:
		if op.PublicJwk == nil {
			return false, invalidOperation("publicJwk")
		}
		return verifyWithJwk(op, op.PublicJwk)

	case KindAsset:
		if op.Controller != op.Signature.Signer {
			return false, invalidOperation("signer is not controller")
		}

		doc, err := g.resolveSigner(ctx, op.Signature.Signer, op.Signature)
		if err != nil {
			return false, err
		}

		if doc.Registry() == RegistryLocal && op.Mdip.Registry != RegistryLocal {
			return false, invalidOperation("non-local registry=" + op.Mdip.Registry)
		}

		// TODO: select the key named by the signature instead of the first one
		if doc.DidDocument == nil || len(doc.DidDocument.VerificationMethod) == 0 || doc.DidDocument.VerificationMethod[0].PublicKeyJwk == nil {
			return false, invalidOperation("didDocument missing verificationMethod")
		}
		return verifyWithJwk(op, doc.DidDocument.VerificationMethod[0].PublicKeyJwk)
	}

	return false, invalidOperation("mdip.type=" + op.Mdip.Type)
}

// verifyUpdateOperation checks op against doc, the current document of the DID it targets.
// Asset operations are checked against the controller's keys.
func (g *Gatekeeper) verifyUpdateOperation(ctx context.Context, op Operation, doc *Document, depth int) (bool, error) {
	if op == nil {
		return false, invalidOperation("missing")
	}
	if err := g.checkSize(op); err != nil {
		return false, err
	}
	sig := op.GetSignature()
	if !validSignatureFormat(sig) {
		return false, invalidOperation("signature")
	}
	if doc == nil || doc.DidDocument == nil {
		return false, invalidOperation("doc.didDocument")
	}
	if doc.DidDocumentMetadata != nil && doc.DidDocumentMetadata.Deactivated {
		return false, invalidOperation("DID deactivated")
	}

	if doc.DidDocument.Controller != "" {
		if depth >= maxControllerDepth {
			return false, invalidOperation("controller depth")
		}
		controllerDoc, err := g.resolveSigner(ctx, doc.DidDocument.Controller, sig)
		if err != nil {
			return false, err
		}
		return g.verifyUpdateOperation(ctx, op, controllerDoc, depth+1)
	}

	if doc.DidDocument.VerificationMethod == nil {
		return false, invalidOperation("doc.didDocument.verificationMethod")
	}

	if sig.Hash != "" && !strings.EqualFold(sig.Hash, op.Hash()) {
		return false, nil
	}

	if len(doc.DidDocument.VerificationMethod) == 0 || doc.DidDocument.VerificationMethod[0].PublicKeyJwk == nil {
		return false, invalidOperation("didDocument missing verificationMethod")
	}
	return verifyWithJwk(op, doc.DidDocument.VerificationMethod[0].PublicKeyJwk)
}
