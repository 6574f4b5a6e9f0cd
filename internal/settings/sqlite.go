package settings

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SettingModel is the GORM model for one setting.
type SettingModel struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// SQLiteStore implements Store using GORM and SQLite.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens the database at path and migrates the schema. Use
// ":memory:" for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open settings db %s", path)
	}
	if err := db.AutoMigrate(&SettingModel{}); err != nil {
		return nil, errors.Wrap(err, "migrate settings")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var m SettingModel
	err := s.db.WithContext(ctx).Where(&SettingModel{Key: key}).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "get %s", key)
	}
	return m.Value, nil
}

// Put upserts key.
func (s *SQLiteStore) Put(ctx context.Context, key, value string) error {
	m := SettingModel{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&m).Error
	return errors.Wrapf(err, "put %s", key)
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Delete(&SettingModel{Key: key}).Error
	return errors.Wrapf(err, "delete %s", key)
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
