// Package ipfs implements the content-addressed blob store used by the gatekeeper
// for addJSON/getJSON, addText/getText and addData/getData.
package ipfs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/KeychainMDIP/kc-sub000"
	"github.com/gowebpki/jcs"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// multicodec codes
const (
	codecRaw  = 0x55
	codecJSON = 0x0200
)

type Options struct {
	// compute CIDs only; nothing is stored and get* always fail with ErrNotConnected
	Minimal bool
	Logger  *slog.Logger
}

// Store adds and fetches blobs by CID. CIDs are CIDv1, sha2-256, base58btc encoded;
// JSON values use the json codec over their RFC 8785 canonical form, text and data use raw.
type Store struct {
	bs      Blockstore
	minimal bool
	started atomic.Bool
	logger  *slog.Logger
}

var _ mdip.BlobStore = (*Store)(nil)

func New(bs Blockstore, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		bs:      bs,
		minimal: opts.Minimal,
		logger:  logger.With("component", "ipfs"),
	}
}

func (s *Store) Start(ctx context.Context) error {
	if s.minimal || s.bs == nil {
		s.logger.Info("blob store running in minimal mode")
		return nil
	}
	s.started.Store(true)
	return nil
}

func (s *Store) Stop() {
	s.started.Store(false)
}

func (s *Store) IsConnected() bool {
	return s.started.Load()
}

func newCID(codec uint64, data []byte) (cid.Cid, error) {
	builder := cid.V1Builder{Codec: codec, MhType: multihash.SHA2_256, MhLength: -1}
	return builder.Sum(data)
}

func encodeCID(c cid.Cid) (string, error) {
	return c.StringOfBase(multibase.Base58BTC)
}

// add computes the CID of data and, when connected, stores it
func (s *Store) add(ctx context.Context, codec uint64, data []byte) (string, error) {
	c, err := newCID(codec, data)
	if err != nil {
		return "", fmt.Errorf("failed to compute CID: %w", err)
	}
	if s.IsConnected() {
		block, err := blocks.NewBlockWithCid(data, c)
		if err != nil {
			return "", err
		}
		if err := s.bs.Put(ctx, block); err != nil {
			return "", fmt.Errorf("failed to store block: %w", err)
		}
	}
	return encodeCID(c)
}

// get returns nil data if the blob is unknown
func (s *Store) get(ctx context.Context, cidStr string, codec uint64) ([]byte, error) {
	if !s.IsConnected() {
		return nil, mdip.ErrNotConnected
	}
	c, err := cid.Decode(cidStr)
	if err != nil {
		return nil, fmt.Errorf("%w: cid=%s", mdip.ErrInvalidParameter, cidStr)
	}
	if c.Type() != codec {
		return nil, nil
	}
	block, err := s.bs.Get(ctx, c)
	if err != nil || block == nil {
		return nil, err
	}
	return block.RawData(), nil
}

func (s *Store) AddJSON(ctx context.Context, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", mdip.ErrInvalidParameter, err)
	}
	canonical, err := jcs.Transform(b)
	if err != nil {
		return "", err
	}
	return s.add(ctx, codecJSON, canonical)
}

func (s *Store) GetJSON(ctx context.Context, cid string) (json.RawMessage, error) {
	b, err := s.get(ctx, cid, codecJSON)
	if err != nil || b == nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func (s *Store) AddText(ctx context.Context, text string) (string, error) {
	return s.add(ctx, codecRaw, []byte(text))
}

func (s *Store) GetText(ctx context.Context, cid string) (string, error) {
	b, err := s.get(ctx, cid, codecRaw)
	return string(b), err
}

func (s *Store) AddData(ctx context.Context, data []byte) (string, error) {
	return s.add(ctx, codecRaw, data)
}

func (s *Store) GetData(ctx context.Context, cid string) ([]byte, error) {
	return s.get(ctx, cid, codecRaw)
}
