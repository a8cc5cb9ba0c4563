package mdip

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

// Persists the event log of each DID, keyed by DID suffix.
type EventStore interface {
	// AddEvent appends an event to the DID's log. Returns ErrInvalidDID if did is empty.
	AddEvent(ctx context.Context, did string, event Event) error

	// GetEvents returns the DID's log in order. Unknown or malformed DIDs yield an empty slice.
	GetEvents(ctx context.Context, did string) ([]Event, error)

	// SetEvents replaces the DID's log. Returns ErrInvalidDID if did is empty.
	SetEvents(ctx context.Context, did string, events []Event) error

	DeleteEvents(ctx context.Context, did string) error

	// GetAllKeys returns the suffix of every stored DID.
	GetAllKeys(ctx context.Context) ([]string, error)
}

// Per-registry outbound operation queues.
type QueueStore interface {
	// QueueOperation appends op to the registry's queue and returns the new queue length.
	QueueOperation(ctx context.Context, registry string, op OpEnum) (int, error)

	GetQueue(ctx context.Context, registry string) ([]OpEnum, error)

	// ClearQueue removes queued operations whose signature value matches any op in batch.
	ClearQueue(ctx context.Context, registry string, batch []OpEnum) (bool, error)
}

// Anchor block metadata, per registry.
type BlockStore interface {
	AddBlock(ctx context.Context, registry string, block BlockInfo) (bool, error)

	// GetBlock returns nil if there is no matching block.
	GetBlock(ctx context.Context, registry string, id BlockID) (*BlockInfo, error)
}

type Store interface {
	EventStore
	QueueStore
	BlockStore

	ResetDb(ctx context.Context) error
}

func sigValue(op OpEnum) string {
	o := op.AsOperation()
	if o == nil || o.GetSignature() == nil {
		return ""
	}
	return o.GetSignature().Value
}

func inBatch(op OpEnum, batch []OpEnum) bool {
	v := sigValue(op)
	for _, b := range batch {
		if sigValue(b) == v {
			return true
		}
	}
	return false
}

// CloneEvents returns a deep copy, so stored logs can't be mutated through returned values.
func CloneEvents(events []Event) []Event {
	if len(events) == 0 {
		return []Event{}
	}
	b, err := json.Marshal(events)
	if err != nil {
		return []Event{}
	}
	var out []Event
	if err := json.Unmarshal(b, &out); err != nil {
		return []Event{}
	}
	return out
}

type memBlocks struct {
	byHeight *treemap.Map // int -> BlockInfo
	byHash   map[string]BlockInfo
}

// MemStore is an in-memory implementation of the Store interface
type MemStore struct {
	dids   map[string][]Event
	queue  map[string][]OpEnum
	blocks map[string]*memBlocks
	lock   sync.RWMutex
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		dids:   make(map[string][]Event),
		queue:  make(map[string][]OpEnum),
		blocks: make(map[string]*memBlocks),
	}
}

func (store *MemStore) ResetDb(ctx context.Context) error {
	store.lock.Lock()
	defer store.lock.Unlock()

	store.dids = make(map[string][]Event)
	store.queue = make(map[string][]OpEnum)
	store.blocks = make(map[string]*memBlocks)
	return nil
}

func (store *MemStore) AddEvent(ctx context.Context, did string, event Event) error {
	if did == "" {
		return ErrInvalidDID
	}
	store.lock.Lock()
	defer store.lock.Unlock()

	suffix := DIDSuffix(did)
	store.dids[suffix] = append(store.dids[suffix], CloneEvents([]Event{event})...)
	return nil
}

func (store *MemStore) GetEvents(ctx context.Context, did string) ([]Event, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	return CloneEvents(store.dids[DIDSuffix(did)]), nil
}

func (store *MemStore) SetEvents(ctx context.Context, did string, events []Event) error {
	if did == "" {
		return ErrInvalidDID
	}
	store.lock.Lock()
	defer store.lock.Unlock()

	store.dids[DIDSuffix(did)] = CloneEvents(events)
	return nil
}

func (store *MemStore) DeleteEvents(ctx context.Context, did string) error {
	store.lock.Lock()
	defer store.lock.Unlock()

	delete(store.dids, DIDSuffix(did))
	return nil
}

func (store *MemStore) GetAllKeys(ctx context.Context) ([]string, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	keys := make([]string, 0, len(store.dids))
	for k := range store.dids {
		keys = append(keys, k)
	}
	return keys, nil
}

func (store *MemStore) QueueOperation(ctx context.Context, registry string, op OpEnum) (int, error) {
	store.lock.Lock()
	defer store.lock.Unlock()

	store.queue[registry] = append(store.queue[registry], op)
	return len(store.queue[registry]), nil
}

func (store *MemStore) GetQueue(ctx context.Context, registry string) ([]OpEnum, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	return append([]OpEnum{}, store.queue[registry]...), nil
}

func (store *MemStore) ClearQueue(ctx context.Context, registry string, batch []OpEnum) (bool, error) {
	store.lock.Lock()
	defer store.lock.Unlock()

	old, ok := store.queue[registry]
	if !ok {
		return true, nil
	}
	kept := make([]OpEnum, 0, len(old))
	for _, op := range old {
		if !inBatch(op, batch) {
			kept = append(kept, op)
		}
	}
	store.queue[registry] = kept
	return true, nil
}

func (store *MemStore) AddBlock(ctx context.Context, registry string, block BlockInfo) (bool, error) {
	store.lock.Lock()
	defer store.lock.Unlock()

	mb, ok := store.blocks[registry]
	if !ok {
		mb = &memBlocks{
			byHeight: treemap.NewWithIntComparator(),
			byHash:   make(map[string]BlockInfo),
		}
		store.blocks[registry] = mb
	}
	mb.byHeight.Put(block.Height, block)
	mb.byHash[block.Hash] = block
	return true, nil
}

func (store *MemStore) GetBlock(ctx context.Context, registry string, id BlockID) (*BlockInfo, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	mb, ok := store.blocks[registry]
	if !ok {
		return nil, nil
	}

	switch {
	case id.IsLatest():
		_, v := mb.byHeight.Max()
		if v == nil {
			return nil, nil
		}
		b := v.(BlockInfo)
		return &b, nil
	case id.ByHeight:
		v, found := mb.byHeight.Get(id.Height)
		if !found {
			return nil, nil
		}
		b := v.(BlockInfo)
		return &b, nil
	default:
		b, found := mb.byHash[id.Hash]
		if !found {
			return nil, nil
		}
		return &b, nil
	}
}
