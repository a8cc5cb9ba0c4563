package node

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/KeychainMDIP/kc-sub000"
	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// jsonColumn stores a value as a JSON text column.
type jsonColumn[T any] struct {
	V T
}

func (jsonColumn[T]) GormDataType() string {
	return "text"
}

func (c jsonColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(c.V)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *jsonColumn[T]) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for json column: %T", value)
	}
	return json.Unmarshal(bytes, &c.V)
}

// EventRecord is one entry of a DID's event log
type EventRecord struct {
	ID    uint                   `gorm:"column:id;primaryKey;autoIncrement"`
	DID   string                 `gorm:"column:did;not null;index:idx_events_did_seq,priority:1"`
	Seq   int                    `gorm:"column:seq;not null;index:idx_events_did_seq,priority:2"`
	Event jsonColumn[mdip.Event] `gorm:"column:event;not null"`
}

func (EventRecord) TableName() string {
	return "events"
}

// QueuedOp is an operation waiting to be picked up by a registry mediator
type QueuedOp struct {
	ID       uint                    `gorm:"column:id;primaryKey;autoIncrement"`
	Registry string                  `gorm:"column:registry;not null;index"`
	SigValue string                  `gorm:"column:sig_value;not null;index"`
	OpData   jsonColumn[mdip.OpEnum] `gorm:"column:op_data;not null"`
}

func (QueuedOp) TableName() string {
	return "queued_ops"
}

type BlockRecord struct {
	Registry string `gorm:"column:registry;primaryKey"`
	Height   int    `gorm:"column:height;primaryKey;autoIncrement:false"`
	Hash     string `gorm:"column:hash;not null;index"`
	Time     int64  `gorm:"column:time;not null"`
	Txns     int    `gorm:"column:txns;not null;default:0"`
}

func (BlockRecord) TableName() string {
	return "blocks"
}

func (b BlockRecord) info() *mdip.BlockInfo {
	return &mdip.BlockInfo{Height: b.Height, Hash: b.Hash, Time: b.Time, Txns: b.Txns}
}

// GormStore implements mdip.Store using a database backend
type GormStore struct {
	db *gorm.DB
}

var _ mdip.Store = (*GormStore)(nil)

// NewGormStoreWithDialector creates a new database-backed store with a custom dialector
func NewGormStoreWithDialector(dialector gorm.Dialector, logger *slog.Logger) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: slogGorm.New(
			slogGorm.WithHandler(logger.With("component", "store").Handler()),
			slogGorm.WithTraceAll(),
			slogGorm.SetLogLevel(slogGorm.DefaultLogType, slog.LevelDebug),
			slogGorm.SetLogLevel(slogGorm.SlowQueryLogType, slog.LevelWarn),
			slogGorm.SetLogLevel(slogGorm.ErrorLogType, slog.LevelError),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}

	sqlDB.SetMaxOpenConns(40)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&EventRecord{}, &QueuedOp{}, &BlockRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormStore{
		db: db,
	}, nil
}

func NewGormStoreWithSqlite(dbPath string, logger *slog.Logger) (*GormStore, error) {
	return NewGormStoreWithDialector(
		sqlite.Open(dbPath+"?mode=rwc&cache=shared&_journal_mode=WAL"),
		logger,
	)
}

func NewGormStoreWithPostgres(dsn string, logger *slog.Logger) (*GormStore, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres URL: %w", err)
	}
	q := u.Query()
	if !q.Has("application_name") {
		q.Set("application_name", "mdip-gatekeeper")
	}
	u.RawQuery = q.Encode()
	return NewGormStoreWithDialector(
		postgres.Open(u.String()),
		logger,
	)
}

// DB exposes the underlying handle so other components (the blob store) can share the connection pool
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) ResetDb(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&EventRecord{}, &QueuedOp{}, &BlockRecord{}} {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return fmt.Errorf("failed to reset table: %w", err)
			}
		}
		return nil
	})
}

// AddEvent implements mdip.EventStore
func (s *GormStore) AddEvent(ctx context.Context, did string, event mdip.Event) error {
	if did == "" {
		return mdip.ErrInvalidDID
	}
	key := mdip.DIDSuffix(did)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var next int
		if err := tx.Model(&EventRecord{}).Where("did = ?", key).Select("COALESCE(MAX(seq) + 1, 0)").Scan(&next).Error; err != nil {
			return fmt.Errorf("database error: %w", err)
		}
		rec := EventRecord{DID: key, Seq: next, Event: jsonColumn[mdip.Event]{V: event}}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to add event: %w", err)
		}
		return nil
	})
}

// GetEvents implements mdip.EventStore
func (s *GormStore) GetEvents(ctx context.Context, did string) ([]mdip.Event, error) {
	var recs []EventRecord
	result := s.db.WithContext(ctx).Where("did = ?", mdip.DIDSuffix(did)).Order("seq ASC").Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}

	events := make([]mdip.Event, 0, len(recs))
	for _, rec := range recs {
		events = append(events, rec.Event.V)
	}
	return events, nil
}

// SetEvents implements mdip.EventStore
func (s *GormStore) SetEvents(ctx context.Context, did string, events []mdip.Event) error {
	if did == "" {
		return mdip.ErrInvalidDID
	}
	key := mdip.DIDSuffix(did)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("did = ?", key).Delete(&EventRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		recs := make([]EventRecord, 0, len(events))
		for i, ev := range events {
			recs = append(recs, EventRecord{DID: key, Seq: i, Event: jsonColumn[mdip.Event]{V: ev}})
		}
		if err := tx.Create(&recs).Error; err != nil {
			return fmt.Errorf("failed to insert events: %w", err)
		}
		return nil
	})
}

// DeleteEvents implements mdip.EventStore
func (s *GormStore) DeleteEvents(ctx context.Context, did string) error {
	return s.db.WithContext(ctx).Where("did = ?", mdip.DIDSuffix(did)).Delete(&EventRecord{}).Error
}

// GetAllKeys implements mdip.EventStore
func (s *GormStore) GetAllKeys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.db.WithContext(ctx).Model(&EventRecord{}).Distinct("did").Order("did").Pluck("did", &keys).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return keys, nil
}

func sigValue(op mdip.OpEnum) string {
	o := op.AsOperation()
	if o == nil || o.GetSignature() == nil {
		return ""
	}
	return o.GetSignature().Value
}

// QueueOperation implements mdip.QueueStore
func (s *GormStore) QueueOperation(ctx context.Context, registry string, op mdip.OpEnum) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := QueuedOp{Registry: registry, SigValue: sigValue(op), OpData: jsonColumn[mdip.OpEnum]{V: op}}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to queue operation: %w", err)
		}
		return tx.Model(&QueuedOp{}).Where("registry = ?", registry).Count(&count).Error
	})
	return int(count), err
}

// GetQueue implements mdip.QueueStore
func (s *GormStore) GetQueue(ctx context.Context, registry string) ([]mdip.OpEnum, error) {
	var recs []QueuedOp
	if err := s.db.WithContext(ctx).Where("registry = ?", registry).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	ops := make([]mdip.OpEnum, 0, len(recs))
	for _, rec := range recs {
		ops = append(ops, rec.OpData.V)
	}
	return ops, nil
}

// ClearQueue implements mdip.QueueStore
func (s *GormStore) ClearQueue(ctx context.Context, registry string, batch []mdip.OpEnum) (bool, error) {
	values := make([]string, 0, len(batch))
	for _, op := range batch {
		values = append(values, sigValue(op))
	}
	if len(values) == 0 {
		return true, nil
	}
	err := s.db.WithContext(ctx).Where("registry = ? AND sig_value IN ?", registry, values).Delete(&QueuedOp{}).Error
	if err != nil {
		return false, fmt.Errorf("failed to clear queue: %w", err)
	}
	return true, nil
}

// AddBlock implements mdip.BlockStore
func (s *GormStore) AddBlock(ctx context.Context, registry string, block mdip.BlockInfo) (bool, error) {
	// upsert
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "registry"}, {Name: "height"}},
		UpdateAll: true,
	}).Create(&BlockRecord{
		Registry: registry,
		Height:   block.Height,
		Hash:     block.Hash,
		Time:     block.Time,
		Txns:     block.Txns,
	})
	if result.Error != nil {
		return false, result.Error
	}
	return true, nil
}

// GetBlock implements mdip.BlockStore. Returns nil if there is no matching block.
func (s *GormStore) GetBlock(ctx context.Context, registry string, id mdip.BlockID) (*mdip.BlockInfo, error) {
	var rec BlockRecord
	q := s.db.WithContext(ctx).Where("registry = ?", registry)
	switch {
	case id.IsLatest():
		q = q.Order("height DESC")
	case id.ByHeight:
		q = q.Where("height = ?", id.Height)
	default:
		q = q.Where("hash = ?", id.Hash)
	}

	result := q.Take(&rec)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return rec.info(), nil
}
