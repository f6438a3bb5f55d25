package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/ids"
	"go.uber.org/zap"
)

const (
	opAppend          = "activity.append"
	opRecentByProject = "activity.recent_by_project"
)

var (
	errMissingStore = errors.New("activity: store required")
	noOpLogger      = zap.NewNop()
)

// Store persists activity records. Implementations must return records newest first.
type Store interface {
	Insert(ctx context.Context, record Record) error
	ListRecent(ctx context.Context, projectID string, limit int) ([]Record, error)
}

// LogConfig describes the dependencies of a Log.
type LogConfig struct {
	Store      Store
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Log is the append-only activity log. It assigns identifiers and strictly increasing
// timestamps before handing records to the store.
type Log struct {
	store      Store
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger

	mu         sync.Mutex
	lastMicros int64
}

// NewLog constructs a Log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Log{
		store:      cfg.Store,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Append stores the record and returns it with its assigned id and timestamp.
func (l *Log) Append(ctx context.Context, record Record) (Record, error) {
	if err := record.validate(); err != nil {
		return Record{}, err
	}
	if record.PayloadJSON == "" {
		record.PayloadJSON = "{}"
	}

	id, err := l.idProvider.NewID()
	if err != nil {
		l.logError(opAppend, "id_generation_failed", err, zap.String("project_id", record.ProjectID))
		return Record{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	record.ID = id
	record.OccurredAtMicros = l.nextTimestamp()

	if err := l.store.Insert(ctx, record); err != nil {
		l.logError(opAppend, "insert_failed", err,
			zap.String("project_id", record.ProjectID),
			zap.String("activity_type", string(record.Type)))
		return record, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return record, nil
}

// RecentByProject returns up to limit records for the project, newest first.
func (l *Log) RecentByProject(ctx context.Context, projectID string, limit int) ([]Record, error) {
	records, err := l.store.ListRecent(ctx, projectID, ClampLimit(limit))
	if err != nil {
		l.logError(opRecentByProject, "query_failed", err, zap.String("project_id", projectID))
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

func (l *Log) nextTimestamp() int64 {
	micros := l.clock().UTC().UnixMicro()
	l.mu.Lock()
	defer l.mu.Unlock()
	if micros <= l.lastMicros {
		micros = l.lastMicros + 1
	}
	l.lastMicros = micros
	return micros
}

func (l *Log) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("activity log error", attrs...)
}
