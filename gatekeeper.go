package mdip

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/lists/arraylist"
	"github.com/emirpasic/gods/sets/hashset"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultDIDPrefix    = "did:test"
	DefaultMaxOpBytes   = 64 * 1024
	DefaultMaxQueueSize = 100

	defaultVerifiedCacheSize = 100_000
	defaultVerifiedCacheTTL  = 24 * time.Hour
)

// Content-addressed blob storage. get* methods return ErrNotConnected before the store is started.
type BlobStore interface {
	AddJSON(ctx context.Context, v any) (string, error)
	GetJSON(ctx context.Context, cid string) (json.RawMessage, error)
	AddText(ctx context.Context, text string) (string, error)
	GetText(ctx context.Context, cid string) (string, error)
	AddData(ctx context.Context, data []byte) (string, error)
	GetData(ctx context.Context, cid string) ([]byte, error)
}

type Options struct {
	Store Store

	// optional; operations are also saved here as they are imported
	Blobs BlobStore

	// used for DIDs whose create operation has no mdip.prefix
	DIDPrefix string

	// registries this node accepts new operations for. defaults to local and hyperswarm
	Registries []string

	MaxOpBytes   int
	MaxQueueSize int

	VerifiedCacheSize int
	VerifiedCacheTTL  time.Duration

	Logger *slog.Logger

	// called after an event is appended to a DID's log
	OnEvent func(event Event)
}

// Gatekeeper validates, stores and resolves MDIP operations.
type Gatekeeper struct {
	store        Store
	blobs        BlobStore
	didPrefix    string
	maxOpBytes   int
	maxQueueSize int
	logger       *slog.Logger
	onEvent      func(event Event)

	registries     []string
	registriesLock sync.RWMutex

	didLocks *didLocks

	eventsQueue *arraylist.List // Event
	eventsSeen  *hashset.Set    // "registry/hash"
	queueLock   sync.Mutex
	processing  atomic.Bool

	verified *expirable.LRU[string, string] // DID -> key of the last successful verification
}

func New(opts Options) (*Gatekeeper, error) {
	if opts.Store == nil {
		return nil, invalidParameter("missing options.store", nil)
	}

	registries := opts.Registries
	if len(registries) == 0 {
		registries = []string{RegistryLocal, RegistryHyperswarm}
	}
	for _, r := range registries {
		if !IsValidRegistry(r) {
			return nil, invalidParameter("registry", r)
		}
	}

	g := &Gatekeeper{
		store:        opts.Store,
		blobs:        opts.Blobs,
		didPrefix:    opts.DIDPrefix,
		maxOpBytes:   opts.MaxOpBytes,
		maxQueueSize: opts.MaxQueueSize,
		logger:       opts.Logger,
		onEvent:      opts.OnEvent,
		registries:   slices.Clone(registries),
		didLocks:     newDIDLocks(),
		eventsQueue:  arraylist.New(),
		eventsSeen:   hashset.New(),
	}
	if g.didPrefix == "" {
		g.didPrefix = DefaultDIDPrefix
	}
	if g.maxOpBytes <= 0 {
		g.maxOpBytes = DefaultMaxOpBytes
	}
	if g.maxQueueSize <= 0 {
		g.maxQueueSize = DefaultMaxQueueSize
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "gatekeeper")

	cacheSize := opts.VerifiedCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultVerifiedCacheSize
	}
	cacheTTL := opts.VerifiedCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultVerifiedCacheTTL
	}
	g.verified = expirable.NewLRU[string, string](cacheSize, nil, cacheTTL)

	return g, nil
}

func (g *Gatekeeper) DIDPrefix() string {
	return g.didPrefix
}

func (g *Gatekeeper) Store() Store {
	return g.store
}

// emit hands an appended event to the OnEvent hook. Events of DIDs native to the local registry are not distributed.
func (g *Gatekeeper) emit(native string, event Event) {
	if g.onEvent == nil || native == RegistryLocal {
		return
	}
	g.onEvent(event)
}

func (g *Gatekeeper) isSupported(registry string) bool {
	g.registriesLock.RLock()
	defer g.registriesLock.RUnlock()
	return slices.Contains(g.registries, registry)
}

// ListRegistries returns the registries this node currently accepts new operations for.
func (g *Gatekeeper) ListRegistries() []string {
	g.registriesLock.RLock()
	defer g.registriesLock.RUnlock()
	return slices.Clone(g.registries)
}

// GenerateDID derives the DID of a create operation using the configured prefix as the default.
func (g *Gatekeeper) GenerateDID(op Operation) (string, error) {
	return GenerateDID(op, g.didPrefix)
}

// GenerateDoc materializes the base document of a create operation.
func (g *Gatekeeper) GenerateDoc(op *CreateOp) (*Document, error) {
	did, err := g.GenerateDID(op)
	if err != nil {
		return nil, err
	}
	return GenerateDoc(op, did)
}

// CreateDID validates a create operation, records it locally and queues it for distribution.
// Creating a DID that already exists returns the existing DID.
func (g *Gatekeeper) CreateDID(ctx context.Context, op *CreateOp) (string, error) {
	ok, err := g.verifyCreateOperation(ctx, op)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", invalidOperation("signature")
	}

	registry := op.Mdip.Registry
	if !g.isSupported(registry) {
		return "", invalidOperation("registry " + registry + " not supported")
	}

	did, err := g.GenerateDID(op)
	if err != nil {
		return "", err
	}

	g.didLocks.Lock(did)
	defer g.didLocks.Unlock(did)

	existing, err := g.store.GetEvents(ctx, did)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return did, nil
	}

	event := Event{
		Registry:  RegistryLocal,
		Time:      op.Created,
		Ordinal:   Ordinal{0},
		Operation: OpEnum{Create: op},
		DID:       did,
	}
	if err := g.store.AddEvent(ctx, did, event); err != nil {
		return "", err
	}
	if err := g.queueOperation(ctx, registry, OpEnum{Create: op}); err != nil {
		return "", err
	}

	g.logger.Debug("created DID", "did", did, "registry", registry)
	g.emit(registry, event)
	return did, nil
}

// UpdateDID applies an update or delete operation to an existing DID.
// Returns false, without error, if the operation is well formed but its signature does not verify.
// An operation whose previd is not the DID's current versionId is rejected.
func (g *Gatekeeper) UpdateDID(ctx context.Context, op Operation) (bool, error) {
	if op == nil {
		return false, invalidOperation("missing")
	}
	did := op.TargetDID()
	if did == "" {
		return false, invalidOperation("missing operation.did")
	}

	g.didLocks.Lock(did)
	defer g.didLocks.Unlock(did)

	doc, err := g.ResolveDID(ctx, did, ResolveOptions{})
	if err != nil {
		return false, err
	}
	ok, err := g.verifyUpdateOperation(ctx, op, doc, 0)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	// operations from older wallets have no previd
	if prev := op.PrevID(); prev != "" && doc.DidDocumentMetadata != nil && prev != doc.DidDocumentMetadata.VersionID {
		return false, invalidOperation("previd")
	}

	registry := doc.Registry()
	if registry == "" || !g.isSupported(registry) {
		return false, invalidOperation("registry " + registry + " not supported")
	}

	event := Event{
		Registry:  RegistryLocal,
		Time:      op.GetSignature().Signed,
		Ordinal:   Ordinal{0},
		Operation: *op.AsOpEnum(),
		DID:       did,
	}
	if err := g.store.AddEvent(ctx, did, event); err != nil {
		return false, err
	}
	if err := g.queueOperation(ctx, registry, *op.AsOpEnum()); err != nil {
		return false, err
	}

	g.logger.Debug("updated DID", "did", did, "type", op.OpType())
	g.emit(registry, event)
	return true, nil
}

// DeleteDID deactivates a DID. It is an UpdateDID with a delete operation.
func (g *Gatekeeper) DeleteDID(ctx context.Context, op *DeleteOp) (bool, error) {
	return g.UpdateDID(ctx, op)
}

// GetController returns the DID currently controlling did: the controller of an asset,
// or the DID itself for an agent.
func (g *Gatekeeper) GetController(ctx context.Context, did string) (string, error) {
	doc, err := g.ResolveDID(ctx, did, ResolveOptions{})
	if err != nil {
		return "", err
	}
	if doc.DidDocument != nil && doc.DidDocument.Controller != "" {
		return doc.DidDocument.Controller, nil
	}
	return did, nil
}

type GetDIDsOptions struct {
	DIDs          []string  `json:"dids,omitempty"`
	UpdatedAfter  time.Time `json:"updatedAfter,omitempty"`
	UpdatedBefore time.Time `json:"updatedBefore,omitempty"`
	Confirm       bool      `json:"confirm,omitempty"`
	Verify        bool      `json:"verify,omitempty"`
	Resolve       bool      `json:"resolve,omitempty"`
}

// GetDIDsResult holds DIDs, or resolved documents when requested with Resolve.
type GetDIDsResult struct {
	DIDs []string
	Docs []*Document
}

func (r GetDIDsResult) MarshalJSON() ([]byte, error) {
	if r.Docs != nil {
		return json.Marshal(r.Docs)
	}
	if r.DIDs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.DIDs)
}

// allDIDs lists every stored DID under the configured prefix.
func (g *Gatekeeper) allDIDs(ctx context.Context) ([]string, error) {
	keys, err := g.store.GetAllKeys(ctx)
	if err != nil {
		return nil, err
	}
	dids := make([]string, 0, len(keys))
	for _, k := range keys {
		dids = append(dids, g.didPrefix+":"+k)
	}
	return dids, nil
}

func (g *Gatekeeper) GetDIDs(ctx context.Context, opts GetDIDsOptions) (*GetDIDsResult, error) {
	dids := opts.DIDs
	if dids == nil {
		var err error
		dids, err = g.allDIDs(ctx)
		if err != nil {
			return nil, err
		}
	}

	if opts.UpdatedAfter.IsZero() && opts.UpdatedBefore.IsZero() && !opts.Resolve {
		return &GetDIDsResult{DIDs: dids}, nil
	}

	res := &GetDIDsResult{DIDs: []string{}}
	if opts.Resolve {
		res.Docs = []*Document{}
	}

	for _, did := range dids {
		doc, err := g.ResolveDID(ctx, did, ResolveOptions{Confirm: opts.Confirm, Verify: opts.Verify})
		if err != nil {
			continue
		}

		updatedStr := doc.DidDocumentMetadata.Updated
		if updatedStr == "" {
			updatedStr = doc.DidDocumentMetadata.Created
		}
		updated, _ := parseTime(updatedStr)

		if !opts.UpdatedAfter.IsZero() && !updated.After(opts.UpdatedAfter) {
			continue
		}
		if !opts.UpdatedBefore.IsZero() && !updated.Before(opts.UpdatedBefore) {
			continue
		}

		if opts.Resolve {
			res.Docs = append(res.Docs, doc)
		} else {
			res.DIDs = append(res.DIDs, did)
		}
	}
	return res, nil
}

func (g *Gatekeeper) ExportDID(ctx context.Context, did string) ([]Event, error) {
	return g.store.GetEvents(ctx, did)
}

// ExportDIDs returns the event log of each DID, or of every stored DID if dids is nil.
func (g *Gatekeeper) ExportDIDs(ctx context.Context, dids []string) ([][]Event, error) {
	if dids == nil {
		var err error
		dids, err = g.allDIDs(ctx)
		if err != nil {
			return nil, err
		}
	}

	batch := make([][]Event, 0, len(dids))
	for _, did := range dids {
		events, err := g.ExportDID(ctx, did)
		if err != nil {
			return nil, err
		}
		batch = append(batch, events)
	}
	return batch, nil
}

// ExportBatch flattens the logs of non-local DIDs, ordered by signature time.
func (g *Gatekeeper) ExportBatch(ctx context.Context, dids []string) ([]Event, error) {
	all, err := g.ExportDIDs(ctx, dids)
	if err != nil {
		return nil, err
	}

	events := []Event{}
	for _, log := range all {
		if len(log) == 0 {
			continue
		}
		create := log[0].Operation.Create
		if create == nil || create.Mdip == nil || create.Mdip.Registry == "" || create.Mdip.Registry == RegistryLocal {
			continue
		}
		events = append(events, log...)
	}

	signedAt := func(e Event) time.Time {
		op := e.Operation.AsOperation()
		if op == nil || op.GetSignature() == nil {
			return time.Time{}
		}
		t, _ := parseTime(op.GetSignature().Signed)
		return t
	}
	sort.SliceStable(events, func(i, j int) bool {
		return signedAt(events[i]).Before(signedAt(events[j]))
	})
	return events, nil
}

func (g *Gatekeeper) ImportDIDs(ctx context.Context, logs [][]Event) (*ImportBatchResult, error) {
	var batch []Event
	for _, log := range logs {
		batch = append(batch, log...)
	}
	return g.ImportBatch(ctx, batch)
}

func (g *Gatekeeper) RemoveDIDs(ctx context.Context, dids []string) (bool, error) {
	if dids == nil {
		return false, invalidParameter("dids", nil)
	}
	for _, did := range dids {
		if err := g.store.DeleteEvents(ctx, did); err != nil {
			return false, err
		}
		g.verified.Remove(did)
	}
	return true, nil
}

// ResetDb wipes the store and the verification cache.
func (g *Gatekeeper) ResetDb(ctx context.Context) (bool, error) {
	if err := g.store.ResetDb(ctx); err != nil {
		return false, err
	}
	g.verified.Purge()
	return true, nil
}

func (g *Gatekeeper) AddBlock(ctx context.Context, registry string, block BlockInfo) (bool, error) {
	if !IsValidRegistry(registry) {
		return false, invalidParameter("registry", registry)
	}
	return g.store.AddBlock(ctx, registry, block)
}

// GetBlock returns nil if the registry has no matching block.
func (g *Gatekeeper) GetBlock(ctx context.Context, registry string, id BlockID) (*BlockInfo, error) {
	if !IsValidRegistry(registry) {
		return nil, invalidParameter("registry", registry)
	}
	return g.store.GetBlock(ctx, registry, id)
}

func (g *Gatekeeper) AddJSON(ctx context.Context, v any) (string, error) {
	if g.blobs == nil {
		return "", ErrNotConnected
	}
	return g.blobs.AddJSON(ctx, v)
}

func (g *Gatekeeper) GetJSON(ctx context.Context, cid string) (json.RawMessage, error) {
	if g.blobs == nil {
		return nil, ErrNotConnected
	}
	return g.blobs.GetJSON(ctx, cid)
}

func (g *Gatekeeper) AddText(ctx context.Context, text string) (string, error) {
	if g.blobs == nil {
		return "", ErrNotConnected
	}
	return g.blobs.AddText(ctx, text)
}

func (g *Gatekeeper) GetText(ctx context.Context, cid string) (string, error) {
	if g.blobs == nil {
		return "", ErrNotConnected
	}
	return g.blobs.GetText(ctx, cid)
}

func (g *Gatekeeper) AddData(ctx context.Context, data []byte) (string, error) {
	if g.blobs == nil {
		return "", ErrNotConnected
	}
	return g.blobs.AddData(ctx, data)
}

func (g *Gatekeeper) GetData(ctx context.Context, cid string) ([]byte, error) {
	if g.blobs == nil {
		return nil, ErrNotConnected
	}
	return g.blobs.GetData(ctx, cid)
}
