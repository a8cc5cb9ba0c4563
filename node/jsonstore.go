package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/KeychainMDIP/kc-sub000"
)

type jsonDB struct {
	DIDs   map[string][]mdip.Event     `json:"dids"`
	Queue  map[string][]mdip.OpEnum    `json:"queue,omitempty"`
	Blocks map[string][]mdip.BlockInfo `json:"blocks,omitempty"` // sorted by height
}

func emptyJSONDB() *jsonDB {
	return &jsonDB{
		DIDs:   make(map[string][]mdip.Event),
		Queue:  make(map[string][]mdip.OpEnum),
		Blocks: make(map[string][]mdip.BlockInfo),
	}
}

// clone copies the maps. Slices are shared, so changes must replace them rather than write into them.
func (db *jsonDB) clone() *jsonDB {
	return &jsonDB{
		DIDs:   maps.Clone(db.DIDs),
		Queue:  maps.Clone(db.Queue),
		Blocks: maps.Clone(db.Blocks),
	}
}

// JSONStore implements mdip.Store as a single JSON file, rewritten on every change.
// Suitable for small nodes and development.
type JSONStore struct {
	path   string
	db     *jsonDB
	lock   sync.Mutex
	logger *slog.Logger
}

var _ mdip.Store = (*JSONStore)(nil)

// NewJSONStore opens dir/name.json, creating it if needed. A file that can't be parsed is moved
// aside to name.json.corrupt-<time> and replaced by an empty db.
func NewJSONStore(dir, name string, logger *slog.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	s := &JSONStore{
		path:   filepath.Join(dir, name+".json"),
		db:     emptyJSONDB(),
		logger: logger.With("component", "jsonstore"),
	}

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, s.save(s.db)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	db := emptyJSONDB()
	if err := json.Unmarshal(b, db); err != nil {
		backup := s.path + ".corrupt-" + time.Now().UTC().Format("20060102T150405.000Z")
		if rerr := os.Rename(s.path, backup); rerr != nil {
			return nil, fmt.Errorf("failed to move aside corrupt %s: %w", s.path, rerr)
		}
		s.logger.Warn("resetting corrupt database file", "path", s.path, "backup", backup, "err", err)
		return s, s.save(s.db)
	}
	if db.DIDs == nil {
		db.DIDs = make(map[string][]mdip.Event)
	}
	if db.Queue == nil {
		db.Queue = make(map[string][]mdip.OpEnum)
	}
	if db.Blocks == nil {
		db.Blocks = make(map[string][]mdip.BlockInfo)
	}
	s.db = db
	return s, nil
}

// save writes db to a temp file and renames it into place, then makes it the in-memory db.
// On failure the in-memory db is left as it was. Caller holds the lock.
func (s *JSONStore) save(db *jsonDB) error {
	b, err := json.Marshal(db)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("failed to write database file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace database file: %w", err)
	}
	s.db = db
	return nil
}

func (s *JSONStore) ResetDb(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.save(emptyJSONDB())
}

func (s *JSONStore) AddEvent(ctx context.Context, did string, event mdip.Event) error {
	if did == "" {
		return mdip.ErrInvalidDID
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	key := mdip.DIDSuffix(did)
	next := s.db.clone()
	next.DIDs[key] = append(slices.Clip(next.DIDs[key]), mdip.CloneEvents([]mdip.Event{event})...)
	return s.save(next)
}

func (s *JSONStore) GetEvents(ctx context.Context, did string) ([]mdip.Event, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return mdip.CloneEvents(s.db.DIDs[mdip.DIDSuffix(did)]), nil
}

func (s *JSONStore) SetEvents(ctx context.Context, did string, events []mdip.Event) error {
	if did == "" {
		return mdip.ErrInvalidDID
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	next := s.db.clone()
	next.DIDs[mdip.DIDSuffix(did)] = mdip.CloneEvents(events)
	return s.save(next)
}

func (s *JSONStore) DeleteEvents(ctx context.Context, did string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	key := mdip.DIDSuffix(did)
	if _, ok := s.db.DIDs[key]; !ok {
		return nil
	}
	next := s.db.clone()
	delete(next.DIDs, key)
	return s.save(next)
}

func (s *JSONStore) GetAllKeys(ctx context.Context) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	keys := make([]string, 0, len(s.db.DIDs))
	for k := range s.db.DIDs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *JSONStore) QueueOperation(ctx context.Context, registry string, op mdip.OpEnum) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	next := s.db.clone()
	next.Queue[registry] = append(slices.Clip(next.Queue[registry]), op)
	if err := s.save(next); err != nil {
		return 0, err
	}
	return len(next.Queue[registry]), nil
}

func (s *JSONStore) GetQueue(ctx context.Context, registry string) ([]mdip.OpEnum, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]mdip.OpEnum{}, s.db.Queue[registry]...), nil
}

func (s *JSONStore) ClearQueue(ctx context.Context, registry string, batch []mdip.OpEnum) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	drop := make(map[string]bool, len(batch))
	for _, op := range batch {
		drop[sigValue(op)] = true
	}
	var kept []mdip.OpEnum
	for _, op := range s.db.Queue[registry] {
		if !drop[sigValue(op)] {
			kept = append(kept, op)
		}
	}
	next := s.db.clone()
	next.Queue[registry] = kept
	if err := s.save(next); err != nil {
		return false, err
	}
	return true, nil
}

func (s *JSONStore) AddBlock(ctx context.Context, registry string, block mdip.BlockInfo) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	blocks := slices.Clone(s.db.Blocks[registry])
	i := sort.Search(len(blocks), func(i int) bool { return blocks[i].Height >= block.Height })
	if i < len(blocks) && blocks[i].Height == block.Height {
		blocks[i] = block
	} else {
		blocks = slices.Insert(blocks, i, block)
	}
	next := s.db.clone()
	next.Blocks[registry] = blocks
	if err := s.save(next); err != nil {
		return false, err
	}
	return true, nil
}

func (s *JSONStore) GetBlock(ctx context.Context, registry string, id mdip.BlockID) (*mdip.BlockInfo, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	blocks := s.db.Blocks[registry]
	if len(blocks) == 0 {
		return nil, nil
	}

	switch {
	case id.IsLatest():
		b := blocks[len(blocks)-1]
		return &b, nil
	case id.ByHeight:
		i := sort.Search(len(blocks), func(i int) bool { return blocks[i].Height >= id.Height })
		if i < len(blocks) && blocks[i].Height == id.Height {
			b := blocks[i]
			return &b, nil
		}
	default:
		for _, b := range blocks {
			if b.Hash == id.Hash {
				return &b, nil
			}
		}
	}
	return nil, nil
}
