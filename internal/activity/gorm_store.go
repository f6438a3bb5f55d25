package activity

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("activity: database handle is required")

// GormStore keeps activity records in the relational database shared with the rest of the service.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

// Insert stores a new record.
func (s *GormStore) Insert(ctx context.Context, record Record) error {
	return s.db.WithContext(ctx).Create(&record).Error
}

// ListRecent returns up to limit records for the project, newest first.
func (s *GormStore) ListRecent(ctx context.Context, projectID string, limit int) ([]Record, error) {
	records := make([]Record, 0, limit)
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("occurred_at_us DESC").
		Order("activity_id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
