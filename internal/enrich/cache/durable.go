package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DBConfig selects and configures the durable cache backend.
type DBConfig struct {
	Driver string // "sqlite" or "postgres"
	Path   string // sqlite file path
	DSN    string // postgres DSN
}

// dbEntry is the persisted row shape.
type dbEntry struct {
	Fingerprint       string `gorm:"primaryKey"`
	Latitude          *float64
	Longitude         *float64
	TravelTimeMinutes *float64
	ResolvedAt        time.Time
}

func (dbEntry) TableName() string { return "enrichment_cache" }

// DBStore is a GORM-backed Store. SQLite is the default for single-machine
// runs; postgres is available when several machines share one cache.
type DBStore struct {
	db *gorm.DB
}

// OpenDB connects to the configured backend and migrates the cache table.
func OpenDB(cfg DBConfig) (*DBStore, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var db *gorm.DB
	var err error
	switch cfg.Driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	case "sqlite", "":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create cache dir: %w", mkErr)
			}
		}
		db, err = gorm.Open(sqlite.Open(cfg.Path), gormCfg)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if err := db.AutoMigrate(&dbEntry{}); err != nil {
		return nil, fmt.Errorf("migrate cache table: %w", err)
	}
	return &DBStore{db: db}, nil
}

func (s *DBStore) LoadAll(ctx context.Context) ([]Entry, error) {
	var rows []dbEntry
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry(r))
	}
	return out, nil
}

func (s *DBStore) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]dbEntry, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, dbEntry(e))
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
}

// Invalidate removes entries older than the cutoff, for manual cache
// maintenance between runs.
func (s *DBStore) Invalidate(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("resolved_at < ?", olderThan).Delete(&dbEntry{})
	return res.RowsAffected, res.Error
}
