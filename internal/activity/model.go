package activity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type enumerates the collaboration events recorded in the log.
type Type string

const (
	// TypeUserJoined records a connection joining a project room.
	TypeUserJoined Type = "USER_JOINED"
	// TypeUserLeft records a connection leaving a project room.
	TypeUserLeft Type = "USER_LEFT"
	// TypeFileChanged records an opaque file change payload.
	TypeFileChanged Type = "FILE_CHANGED"
	// TypeCursorMoved records a cursor position update.
	TypeCursorMoved Type = "CURSOR_MOVED"
)

const (
	// DefaultLimit is used when callers do not request a positive limit.
	DefaultLimit = 50
	// MaxLimit caps the number of records returned by a single read.
	MaxLimit = 100
)

var (
	// ErrStorage wraps failures reported by the persistence backend.
	ErrStorage = errors.New("activity: storage failure")
	// ErrInvalidType indicates an unrecognized activity type.
	ErrInvalidType = errors.New("activity: invalid type")
	// ErrInvalidRecord indicates that a record is missing required fields.
	ErrInvalidRecord = errors.New("activity: invalid record")
)

// ParseType validates raw input and returns a Type.
func ParseType(rawInput string) (Type, error) {
	switch Type(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case TypeUserJoined:
		return TypeUserJoined, nil
	case TypeUserLeft:
		return TypeUserLeft, nil
	case TypeFileChanged:
		return TypeFileChanged, nil
	case TypeCursorMoved:
		return TypeCursorMoved, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, rawInput)
	}
}

// IsPresence reports whether the type is a room membership change.
func (t Type) IsPresence() bool {
	return t == TypeUserJoined || t == TypeUserLeft
}

// Record is a single immutable entry in a project's activity log.
type Record struct {
	ID               string `gorm:"column:activity_id;primaryKey;size:190;not null"`
	ProjectID        string `gorm:"column:project_id;size:190;not null;index:idx_activity_project_time,priority:1"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	Type             Type   `gorm:"column:type;size:32;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	OccurredAtMicros int64  `gorm:"column:occurred_at_us;not null;index:idx_activity_project_time,priority:2,sort:desc"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "project_activities"
}

// Timestamp returns the instant the log assigned to the record.
func (r Record) Timestamp() time.Time {
	return time.UnixMicro(r.OccurredAtMicros).UTC()
}

func (r Record) validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return fmt.Errorf("%w: empty project id", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidRecord)
	}
	if _, err := ParseType(string(r.Type)); err != nil {
		return err
	}
	return nil
}

// ClampLimit applies the default and the hard cap to a requested limit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
