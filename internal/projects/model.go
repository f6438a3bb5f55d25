package projects

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/access"
)

const (
	maxIdentifierLength  = 190
	maxNameLength        = 190
	maxDescriptionLength = 4000
	// MaxMembersPerProject bounds the membership list of a single project.
	MaxMembersPerProject = 50
)

var (
	// ErrInvalidProjectID indicates that a project identifier is empty or exceeds storage bounds.
	ErrInvalidProjectID = errors.New("projects: invalid project id")
	// ErrInvalidName indicates that a project or workspace name is empty or too long.
	ErrInvalidName = errors.New("projects: invalid name")
	// ErrInvalidDescription indicates that a description is too long.
	ErrInvalidDescription = errors.New("projects: invalid description")
	// ErrInvalidSettings indicates that workspace settings are not a JSON object.
	ErrInvalidSettings = errors.New("projects: invalid workspace settings")
	// ErrInvalidInviteRole indicates that an invitation asked for a role other than collaborator or viewer.
	ErrInvalidInviteRole = errors.New("projects: invalid invite role")
	// ErrAlreadyMember indicates that the user already holds a membership in the project.
	ErrAlreadyMember = errors.New("projects: user is already a member")
	// ErrMemberLimit indicates that the project reached MaxMembersPerProject.
	ErrMemberLimit = errors.New("projects: member limit reached")
)

// ProjectID represents a validated project identifier.
type ProjectID string

// NewProjectID validates raw input and returns a ProjectID.
func NewProjectID(rawInput string) (ProjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProjectID, maxIdentifierLength)
	}
	return ProjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProjectID) String() string {
	return string(id)
}

// Project is a collaborative space owned by a single user.
type Project struct {
	ProjectID   string    `gorm:"column:project_id;primaryKey;size:190;not null"`
	Name        string    `gorm:"column:name;size:190;not null"`
	Description string    `gorm:"column:description;type:text;not null;default:''"`
	OwnerID     string    `gorm:"column:owner_id;size:190;not null;index"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// IsOwner reports whether the user owns the project.
func (p Project) IsOwner(userID string) bool {
	return p.OwnerID == userID
}

// Member records a user's role within a project. One row per (project, user).
type Member struct {
	MemberID  string      `gorm:"column:member_id;primaryKey;size:190;not null"`
	ProjectID string      `gorm:"column:project_id;size:190;not null;uniqueIndex:idx_members_project_user,priority:1"`
	UserID    string      `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_members_project_user,priority:2;index"`
	Role      access.Role `gorm:"column:role;size:32;not null"`
	InvitedBy string      `gorm:"column:invited_by;size:190;not null;default:''"`
	JoinedAt  time.Time   `gorm:"column:joined_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "project_members"
}

// Workspace is a named, project-scoped settings bag.
type Workspace struct {
	WorkspaceID  string    `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	ProjectID    string    `gorm:"column:project_id;size:190;not null;index"`
	Name         string    `gorm:"column:name;size:190;not null"`
	SettingsJSON string    `gorm:"column:settings_json;type:text;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Workspace) TableName() string {
	return "project_workspaces"
}

func normalizeName(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(trimmed) > maxNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return trimmed, nil
}

func normalizeDescription(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) > maxDescriptionLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDescription, maxDescriptionLength)
	}
	return trimmed, nil
}

func normalizeSettings(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "{}", nil
	}
	var settings map[string]any
	if err := json.Unmarshal(raw, &settings); err != nil || settings == nil {
		return "", ErrInvalidSettings
	}
	encoded, err := json.Marshal(settings)
	if err != nil {
		return "", ErrInvalidSettings
	}
	return string(encoded), nil
}

// ParseInviteRole validates the role requested for an invitation.
func ParseInviteRole(rawInput string) (access.Role, error) {
	role, err := access.ParseRole(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInviteRole, err)
	}
	if role == access.RoleOwner {
		return "", fmt.Errorf("%w: owner cannot be invited", ErrInvalidInviteRole)
	}
	return role, nil
}
