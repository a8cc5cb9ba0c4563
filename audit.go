package mdip

import (
	"context"
	"errors"
	"slices"
	"time"
)

type VerifyDbOptions struct {
	// log per-DID progress
	Chatty bool
}

type VerifyDbResult struct {
	Total    int `json:"total"`
	Verified int `json:"verified"`
	Expired  int `json:"expired"`
	Invalid  int `json:"invalid"`
}

// tipVersionID returns the versionId of the last event in the DID's log, or "" if there is none
func (g *Gatekeeper) tipVersionID(ctx context.Context, did string) (string, error) {
	events, err := g.store.GetEvents(ctx, did)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", nil
	}
	op := events[len(events)-1].Operation.AsOperation()
	if op == nil {
		return "", nil
	}
	return op.CID(), nil
}

// verificationKey identifies what a DID's verification depended on: the tip of its own log and
// the tips of the logs of the controllers it names. A cached result is reused only while it is unchanged.
func (g *Gatekeeper) verificationKey(ctx context.Context, did string) (string, error) {
	events, err := g.store.GetEvents(ctx, did)
	if err != nil || len(events) == 0 {
		return "", err
	}

	var tip string
	var controllers []string
	for i := range events {
		op := events[i].Operation.AsOperation()
		if op == nil {
			continue
		}
		tip = op.CID()
		controller := ""
		switch v := op.(type) {
		case *CreateOp:
			controller = v.Controller
		case *UpdateOp:
			if v.Doc != nil && v.Doc.DidDocument != nil {
				controller = v.Doc.DidDocument.Controller
			}
		}
		if controller != "" && controller != did && !slices.Contains(controllers, controller) {
			controllers = append(controllers, controller)
		}
	}

	key := tip
	for _, controller := range controllers {
		ctip, err := g.tipVersionID(ctx, controller)
		if err != nil {
			return "", err
		}
		key += " " + controller + "@" + ctip
	}
	return key, nil
}

// VerifyDb re-verifies every stored DID, removing the ones that no longer verify or have expired.
// DIDs verified by an earlier sweep are skipped as long as their log and their controllers' logs are unchanged.
func (g *Gatekeeper) VerifyDb(ctx context.Context, opts VerifyDbOptions) (*VerifyDbResult, error) {
	dids, err := g.allDIDs(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res := &VerifyDbResult{Total: len(dids)}

	for n, did := range dids {
		key, err := g.verificationKey(ctx, did)
		if err != nil {
			return nil, err
		}
		if cached, ok := g.verified.Get(did); ok && cached == key {
			res.Verified++
			continue
		}

		doc, err := g.ResolveDID(ctx, did, ResolveOptions{Verify: true})
		if err != nil {
			if !errors.Is(err, ErrInvalidDID) && !errors.Is(err, ErrInvalidOperation) {
				return nil, err
			}
			if opts.Chatty {
				g.logger.Warn("removing invalid DID", "n", n+1, "total", res.Total, "did", did)
			}
			if err := g.store.DeleteEvents(ctx, did); err != nil {
				return nil, err
			}
			g.verified.Remove(did)
			res.Invalid++
			continue
		}

		validUntil := ""
		if doc.Mdip != nil {
			validUntil = doc.Mdip.ValidUntil
		}

		if validUntil == "" {
			if opts.Chatty {
				g.logger.Debug("verified DID", "n", n+1, "total", res.Total, "did", did)
			}
			g.verified.Add(did, key)
			res.Verified++
			continue
		}

		expires, err := parseTime(validUntil)
		if err != nil || expires.Before(time.Now()) {
			if opts.Chatty {
				g.logger.Warn("removing expired DID", "n", n+1, "total", res.Total, "did", did)
			}
			if err := g.store.DeleteEvents(ctx, did); err != nil {
				return nil, err
			}
			g.verified.Remove(did)
			res.Expired++
			continue
		}

		if opts.Chatty {
			g.logger.Debug("DID expiring", "n", n+1, "total", res.Total, "did", did, "minutesLeft", int(time.Until(expires).Minutes()))
		}
		res.Verified++
	}

	// anything still queued refers to DIDs we will never see
	g.clearEventsQueue()

	if opts.Chatty {
		g.logger.Debug("verifyDb", "duration", time.Since(start), "total", res.Total, "verified", res.Verified, "expired", res.Expired, "invalid", res.Invalid)
	}
	return res, nil
}

type CheckDIDsOptions struct {
	DIDs   []string `json:"dids,omitempty"`
	Chatty bool     `json:"chatty,omitempty"`
}

type CheckDIDsByType struct {
	Agents      int `json:"agents"`
	Assets      int `json:"assets"`
	Confirmed   int `json:"confirmed"`
	Unconfirmed int `json:"unconfirmed"`
	Ephemeral   int `json:"ephemeral"`
	Invalid     int `json:"invalid"`
}

type CheckDIDsResult struct {
	Total       int             `json:"total"`
	ByType      CheckDIDsByType `json:"byType"`
	ByRegistry  map[string]int  `json:"byRegistry"`
	ByVersion   map[int]int     `json:"byVersion"`
	EventsQueue []Event         `json:"eventsQueue"`
}

// CheckDIDs resolves DIDs and reports aggregate statistics. Unresolvable DIDs are counted as invalid.
func (g *Gatekeeper) CheckDIDs(ctx context.Context, opts CheckDIDsOptions) (*CheckDIDsResult, error) {
	dids := opts.DIDs
	if dids == nil {
		var err error
		dids, err = g.allDIDs(ctx)
		if err != nil {
			return nil, err
		}
	}

	res := &CheckDIDsResult{
		Total:      len(dids),
		ByRegistry: map[string]int{},
		ByVersion:  map[int]int{},
	}

	for n, did := range dids {
		doc, err := g.ResolveDID(ctx, did, ResolveOptions{})
		if err != nil {
			res.ByType.Invalid++
			if opts.Chatty {
				g.logger.Warn("can't resolve DID", "n", n+1, "total", res.Total, "did", did, "err", err)
			}
			continue
		}
		if opts.Chatty {
			g.logger.Debug("resolved DID", "n", n+1, "total", res.Total, "did", did)
		}

		switch doc.Kind() {
		case KindAgent:
			res.ByType.Agents++
		case KindAsset:
			res.ByType.Assets++
		}

		if doc.DidDocumentMetadata != nil && doc.DidDocumentMetadata.Confirmed {
			res.ByType.Confirmed++
		} else {
			res.ByType.Unconfirmed++
		}

		if doc.Mdip != nil && doc.Mdip.ValidUntil != "" {
			res.ByType.Ephemeral++
		}

		if r := doc.Registry(); r != "" {
			res.ByRegistry[r]++
		}

		if doc.DidDocumentMetadata != nil && doc.DidDocumentMetadata.Version > 0 {
			res.ByVersion[doc.DidDocumentMetadata.Version]++
		}
	}

	res.EventsQueue = g.PendingEvents()
	return res, nil
}
