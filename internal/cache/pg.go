package cache

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// pgEntry is the persisted row shape for the postgres store.
type pgEntry struct {
	Kind      string `gorm:"primaryKey;size:16"`
	Key       string `gorm:"primaryKey;size:128"`
	Payload   []byte
	UpdatedAt time.Time
}

func (pgEntry) TableName() string { return "cache_entries" }

// PgStore persists cache entries to PostgreSQL through gorm.
type PgStore struct {
	db *gorm.DB
}

// NewPgStore connects with the given DSN and migrates the entries table.
func NewPgStore(dsn string) (*PgStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&pgEntry{}); err != nil {
		return nil, err
	}
	return &PgStore{db: db}, nil
}

// LoadAll reads every persisted entry.
func (s *PgStore) LoadAll(ctx context.Context) ([]Entry, error) {
	var rows []pgEntry
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{Kind: EntryKind(r.Kind), Key: r.Key, Payload: r.Payload})
	}
	return out, nil
}

// Flush upserts the batch in one transaction.
func (s *PgStore) Flush(ctx context.Context, batch []Entry) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([]pgEntry, 0, len(batch))
	now := time.Now().UTC()
	for _, e := range batch {
		rows = append(rows, pgEntry{
			Kind:      string(e.Kind),
			Key:       e.Key,
			Payload:   e.Payload,
			UpdatedAt: now,
		})
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
		}).
		Create(&rows).Error
}

func (s *PgStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
