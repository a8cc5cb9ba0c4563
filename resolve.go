package mdip

import (
	"context"
	"encoding/json"
	"time"
)

type ResolveOptions struct {
	// stop before the first event not anchored on the DID's native registry
	Confirm bool
	// re-verify every operation and its previd linkage while replaying
	Verify bool
	// stop once this version has been reached (1 is the create)
	AtVersion int
	// ignore events later than this time
	AtTime time.Time
}

// standardDatetime normalizes a timestamp to second precision UTC. Unparseable input is returned unchanged.
func standardDatetime(s string) string {
	t, err := parseTime(s)
	if err != nil {
		return s
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func blockBound(block *BlockInfo) *TimestampBound {
	return &TimestampBound{
		Time:    block.Time,
		TimeISO: time.Unix(block.Time, 0).UTC().Format("2006-01-02T15:04:05.000Z"),
		BlockID: block.Hash,
		Height:  block.Height,
	}
}

// anchorTimestamp bounds when op happened using the blocks known for the DID's registry:
// the block the signer observed, and the block the event was confirmed in.
func (g *Gatekeeper) anchorTimestamp(ctx context.Context, registry string, op Operation, event *Event, versionID string) (*Timestamp, error) {
	if registry == "" {
		return nil, nil
	}

	var lower, upper *TimestampBound

	if op.BlockID() != "" {
		block, err := g.store.GetBlock(ctx, registry, BlockWithHash(op.BlockID()))
		if err != nil {
			return nil, err
		}
		if block != nil {
			lower = blockBound(block)
		}
	}

	if event.Blockchain != nil {
		block, err := g.store.GetBlock(ctx, registry, BlockAtHeight(event.Blockchain.Height))
		if err != nil {
			return nil, err
		}
		if block != nil {
			upper = blockBound(block)
			upper.Txid = event.Blockchain.Txid
			upper.Txidx = event.Blockchain.Index
			upper.BatchID = event.Blockchain.Batch
			upper.Opidx = event.Blockchain.Opidx
		}
	}

	if lower == nil && upper == nil {
		return nil, nil
	}
	return &Timestamp{
		Chain:      registry,
		Opid:       versionID,
		LowerBound: lower,
		UpperBound: upper,
	}, nil
}

// ResolveDID replays the DID's event log into its document.
//
// Returns an error wrapping ErrInvalidDID for malformed ("bad format") or unknown ("unknown") DIDs.
// With Verify set, a replayed operation that fails verification returns an error wrapping ErrInvalidOperation.
func (g *Gatekeeper) ResolveDID(ctx context.Context, did string, opts ResolveOptions) (*Document, error) {
	if did == "" || !IsValidDID(did) {
		return nil, invalidDID("bad format")
	}

	events, err := g.store.GetEvents(ctx, did)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, invalidDID("unknown")
	}

	anchor := events[0].Operation.Create
	if anchor == nil {
		return nil, invalidOperation("type")
	}
	doc, err := GenerateDoc(anchor, did)
	if err != nil {
		return nil, err
	}

	created := standardDatetime(doc.DidDocumentMetadata.Created)
	canonicalID := doc.DidDocumentMetadata.CanonicalID
	version := 1
	// the create event is confirmed by definition
	confirmed := true

	for i := range events {
		event := &events[i]
		op := event.Operation.AsOperation()
		if op == nil {
			return nil, invalidOperation("type")
		}

		versionID := op.CID()
		updated := standardDatetime(event.Time)
		timestamp, err := g.anchorTimestamp(ctx, doc.Registry(), op, event, versionID)
		if err != nil {
			return nil, err
		}

		if create, ok := op.(*CreateOp); ok {
			if i > 0 {
				return nil, invalidOperation("type=create")
			}
			if opts.Verify {
				ok, err := g.verifyCreateOperation(ctx, create)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, invalidOperation("signature")
				}
			}
			doc.DidDocumentMetadata = &DocumentMetadata{
				Created:     created,
				CanonicalID: canonicalID,
				VersionID:   versionID,
				Version:     version,
				Confirmed:   confirmed,
				Timestamp:   timestamp,
			}
			continue
		}

		if !opts.AtTime.IsZero() {
			if t, err := parseTime(event.Time); err == nil && t.After(opts.AtTime) {
				break
			}
		}

		if opts.AtVersion > 0 && version == opts.AtVersion {
			break
		}

		confirmed = confirmed && doc.Registry() == event.Registry

		if opts.Confirm && !confirmed {
			break
		}

		if opts.Verify {
			ok, err := g.verifyUpdateOperation(ctx, op, doc, 0)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, invalidOperation("signature")
			}
			// operations from older wallets have no previd
			if prev := op.PrevID(); prev != "" && prev != doc.DidDocumentMetadata.VersionID {
				return nil, invalidOperation("previd")
			}
		}

		switch v := op.(type) {
		case *UpdateOp:
			version++

			next := v.Doc.Clone()
			if next == nil {
				next = &Document{}
			}
			if next.Mdip == nil {
				next.Mdip = doc.Mdip
			}
			if next.DidDocumentData == nil {
				next.DidDocumentData = json.RawMessage("{}")
			}
			next.DidResolutionMetadata = nil
			next.DidDocumentMetadata = &DocumentMetadata{
				Created:     created,
				Updated:     updated,
				CanonicalID: canonicalID,
				VersionID:   versionID,
				Version:     version,
				Confirmed:   confirmed,
				Timestamp:   timestamp,
			}
			doc = next

		case *DeleteOp:
			version++

			doc.DidDocument = &DidDocument{ID: did}
			doc.DidDocumentData = json.RawMessage("{}")
			doc.DidDocumentMetadata = &DocumentMetadata{
				Deactivated: true,
				Created:     created,
				Deleted:     updated,
				CanonicalID: canonicalID,
				VersionID:   versionID,
				Version:     version,
				Confirmed:   confirmed,
				Timestamp:   timestamp,
			}
		}

		if doc.DidDocumentMetadata.Deactivated {
			break
		}
	}

	doc.DidResolutionMetadata = &ResolutionMetadata{
		Retrieved: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}

	return doc.Clone(), nil
}
