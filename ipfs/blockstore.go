package ipfs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Blockstore persists content-addressed blocks.
type Blockstore interface {
	// Get returns nil if the block is not stored.
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	Put(ctx context.Context, block blocks.Block) error
}

// MemBlockstore keeps blocks in memory
type MemBlockstore struct {
	blocks map[string]blocks.Block
	lock   sync.RWMutex
}

var _ Blockstore = (*MemBlockstore)(nil)

func NewMemBlockstore() *MemBlockstore {
	return &MemBlockstore{
		blocks: make(map[string]blocks.Block),
	}
}

func (bs *MemBlockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	bs.lock.RLock()
	defer bs.lock.RUnlock()
	return bs.blocks[c.KeyString()], nil
}

func (bs *MemBlockstore) Put(ctx context.Context, block blocks.Block) error {
	bs.lock.Lock()
	defer bs.lock.Unlock()
	bs.blocks[block.Cid().KeyString()] = block
	return nil
}

type Blob struct {
	Cid   []byte `gorm:"column:cid;primaryKey"`
	Value []byte `gorm:"column:value;not null"`
}

func (Blob) TableName() string {
	return "blobs"
}

// GormBlockstore stores blocks in a database table, usually sharing the node's connection
type GormBlockstore struct {
	db *gorm.DB
}

var _ Blockstore = (*GormBlockstore)(nil)

func NewGormBlockstore(db *gorm.DB) (*GormBlockstore, error) {
	if err := db.AutoMigrate(&Blob{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &GormBlockstore{db: db}, nil
}

func (bs *GormBlockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	var blob Blob
	result := bs.db.WithContext(ctx).Where("cid = ?", c.Bytes()).Take(&blob)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}

	return blocks.NewBlockWithCid(blob.Value, c)
}

func (bs *GormBlockstore) Put(ctx context.Context, block blocks.Block) error {
	b := Blob{
		Cid:   block.Cid().Bytes(),
		Value: block.RawData(),
	}

	// content addressed, so an existing row already holds the same bytes
	return bs.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cid"}},
		DoNothing: true,
	}).Create(&b).Error
}
