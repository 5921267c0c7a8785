// Package database persists the current mapping set in SQLite.
//
// Store is shared by the sync loop and the HTTP write path. Every Merge and
// ReplaceAll runs in a single transaction over a single pooled connection, so
// readers see either the whole state before an operation or the whole state
// after it. Callers need no locking of their own.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gluk-w/natmap-sync/internal/mapping"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrStore wraps every failure of the durable medium.
var ErrStore = errors.New("mapping store")

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// Store is the durable mapping store.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema. Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	// One connection serializes all statements and keeps ":memory:" a
	// single database.
	sqlDB.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := db.AutoMigrate(&Mapping{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storeErr("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// GetAll returns a snapshot of every stored mapping.
func (s *Store) GetAll(ctx context.Context) (mapping.Set, error) {
	var rows []Mapping
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, storeErr("get all", err)
	}
	out := make(mapping.Set, len(rows))
	for _, r := range rows {
		out[r.Key] = mapping.Value{IP: r.IP, Port: r.Port}
	}
	return out, nil
}

// Get returns the mapping stored under key. ok is false when absent.
func (s *Store) Get(ctx context.Context, key string) (v mapping.Value, ok bool, err error) {
	var row Mapping
	err = s.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return mapping.Value{}, false, nil
	}
	if err != nil {
		return mapping.Value{}, false, storeErr("get", err)
	}
	return mapping.Value{IP: row.IP, Port: row.Port}, true, nil
}

// Count returns the number of stored mappings.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Mapping{}).Count(&n).Error; err != nil {
		return 0, storeErr("count", err)
	}
	return n, nil
}

// Merge upserts every entry of partial. Keys not in partial are untouched.
func (s *Store) Merge(ctx context.Context, partial mapping.Set) error {
	if len(partial) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsert(tx, partial)
	})
	if err != nil {
		return storeErr("merge", err)
	}
	return nil
}

// ReplaceAll atomically swaps the stored state for full.
func (s *Store) ReplaceAll(ctx context.Context, full mapping.Set) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Mapping{}).Error; err != nil {
			return err
		}
		return upsert(tx, full)
	})
	if err != nil {
		return storeErr("replace all", err)
	}
	return nil
}

// Checkpoint folds the WAL back into the main database file.
func (s *Store) Checkpoint(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
		return storeErr("checkpoint", err)
	}
	return nil
}

func upsert(tx *gorm.DB, set mapping.Set) error {
	if len(set) == 0 {
		return nil
	}
	rows := make([]Mapping, 0, len(set))
	for k, v := range set {
		rows = append(rows, Mapping{Key: k, IP: v.IP, Port: v.Port})
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"ip", "port", "updated_at"}),
	}).CreateInBatches(&rows, 200).Error
}
