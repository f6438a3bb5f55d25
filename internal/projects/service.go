package projects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/access"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "projects.service.new"
	opCreateProject   = "projects.create_project"
	opGetProject      = "projects.get_project"
	opListProjects    = "projects.list_projects"
	opUpdateProject   = "projects.update_project"
	opDeleteProject   = "projects.delete_project"
	opAddMember       = "projects.add_member"
	opListMembers     = "projects.list_members"
	opFindMembership  = "projects.find_membership"
	opCreateWorkspace = "projects.create_workspace"
	opListWorkspaces  = "projects.list_workspaces"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpdateFailed    = "update_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonIDFailed        = "id_generation_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the project service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service stores projects, their memberships and workspaces. It also serves as the
// access.Directory backing room authorization.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewService constructs a project Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
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
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// CreateProject stores a project and the owner's membership row in one transaction.
func (s *Service) CreateProject(ctx context.Context, ownerID, rawName, rawDescription string) (Project, error) {
	if s.db == nil {
		return Project{}, newServiceError(opCreateProject, reasonMissingDatabase, errMissingDatabase)
	}
	name, err := normalizeName(rawName)
	if err != nil {
		return Project{}, err
	}
	description, err := normalizeDescription(rawDescription)
	if err != nil {
		return Project{}, err
	}
	projectID, err := s.idProvider.NewID()
	if err != nil {
		return Project{}, newServiceError(opCreateProject, reasonIDFailed, err)
	}
	memberID, err := s.idProvider.NewID()
	if err != nil {
		return Project{}, newServiceError(opCreateProject, reasonIDFailed, err)
	}

	now := s.clock().UTC()
	project := Project{
		ProjectID:   projectID,
		Name:        name,
		Description: description,
		OwnerID:     ownerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	owner := Member{
		MemberID:  memberID,
		ProjectID: projectID,
		UserID:    ownerID,
		Role:      access.RoleOwner,
		InvitedBy: ownerID,
		JoinedAt:  now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&project).Error; err != nil {
			return err
		}
		return tx.Create(&owner).Error
	})
	if err != nil {
		s.logError(opCreateProject, reasonInsertFailed, err, zap.String("owner_id", ownerID))
		return Project{}, newServiceError(opCreateProject, reasonInsertFailed, err)
	}
	return project, nil
}

// GetProject loads a project by identifier.
func (s *Service) GetProject(ctx context.Context, projectID string) (Project, error) {
	if s.db == nil {
		return Project{}, newServiceError(opGetProject, reasonMissingDatabase, errMissingDatabase)
	}
	var project Project
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, access.ErrProjectNotFound
	}
	if err != nil {
		s.logError(opGetProject, reasonQueryFailed, err, zap.String("project_id", projectID))
		return Project{}, newServiceError(opGetProject, reasonQueryFailed, err)
	}
	return project, nil
}

// ListProjectsForUser returns projects the user owns or belongs to, most recently updated first.
func (s *Service) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	if s.db == nil {
		return nil, newServiceError(opListProjects, reasonMissingDatabase, errMissingDatabase)
	}
	memberProjects := s.db.Model(&Member{}).Select("project_id").Where("user_id = ?", userID)
	projects := make([]Project, 0)
	err := s.db.WithContext(ctx).
		Where("owner_id = ? OR project_id IN (?)", userID, memberProjects).
		Order("updated_at DESC").
		Find(&projects).Error
	if err != nil {
		s.logError(opListProjects, reasonQueryFailed, err, zap.String("user_id", userID))
		return nil, newServiceError(opListProjects, reasonQueryFailed, err)
	}
	return projects, nil
}

// ProjectUpdate lists the fields to change; nil leaves a field untouched.
type ProjectUpdate struct {
	Name        *string
	Description *string
}

// UpdateProject applies a partial update and returns the stored project.
func (s *Service) UpdateProject(ctx context.Context, projectID string, update ProjectUpdate) (Project, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return Project{}, err
	}
	if update.Name != nil {
		name, err := normalizeName(*update.Name)
		if err != nil {
			return Project{}, err
		}
		project.Name = name
	}
	if update.Description != nil {
		description, err := normalizeDescription(*update.Description)
		if err != nil {
			return Project{}, err
		}
		project.Description = description
	}
	project.UpdatedAt = s.clock().UTC()
	if err := s.db.WithContext(ctx).Save(&project).Error; err != nil {
		s.logError(opUpdateProject, reasonUpdateFailed, err, zap.String("project_id", projectID))
		return Project{}, newServiceError(opUpdateProject, reasonUpdateFailed, err)
	}
	return project, nil
}

// DeleteProject removes the project with its memberships and workspaces. Activity records are kept.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", projectID).Delete(&Member{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&Workspace{}).Error; err != nil {
			return err
		}
		return tx.Where("project_id = ?", projectID).Delete(&Project{}).Error
	})
	if err != nil {
		s.logError(opDeleteProject, reasonDeleteFailed, err, zap.String("project_id", projectID))
		return newServiceError(opDeleteProject, reasonDeleteFailed, err)
	}
	return nil
}

// AddMemberRequest describes a new membership.
type AddMemberRequest struct {
	ProjectID string
	UserID    string
	Role      access.Role
	InvitedBy string
}

// AddMember stores a membership after enforcing (project, user) uniqueness and the member limit.
func (s *Service) AddMember(ctx context.Context, request AddMemberRequest) (Member, error) {
	if s.db == nil {
		return Member{}, newServiceError(opAddMember, reasonMissingDatabase, errMissingDatabase)
	}
	if _, err := access.ParseRole(request.Role.String()); err != nil {
		return Member{}, err
	}
	memberID, err := s.idProvider.NewID()
	if err != nil {
		return Member{}, newServiceError(opAddMember, reasonIDFailed, err)
	}
	member := Member{
		MemberID:  memberID,
		ProjectID: request.ProjectID,
		UserID:    request.UserID,
		Role:      request.Role,
		InvitedBy: request.InvitedBy,
		JoinedAt:  s.clock().UTC(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project Project
		if err := tx.Where("project_id = ?", request.ProjectID).Take(&project).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return access.ErrProjectNotFound
			}
			return err
		}
		var existing int64
		if err := tx.Model(&Member{}).
			Where("project_id = ? AND user_id = ?", request.ProjectID, request.UserID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 || project.OwnerID == request.UserID {
			return ErrAlreadyMember
		}
		var total int64
		if err := tx.Model(&Member{}).Where("project_id = ?", request.ProjectID).Count(&total).Error; err != nil {
			return err
		}
		if total >= MaxMembersPerProject {
			return ErrMemberLimit
		}
		return tx.Create(&member).Error
	})
	switch {
	case err == nil:
		return member, nil
	case errors.Is(err, access.ErrProjectNotFound), errors.Is(err, ErrAlreadyMember), errors.Is(err, ErrMemberLimit):
		return Member{}, err
	default:
		s.logError(opAddMember, reasonInsertFailed, err,
			zap.String("project_id", request.ProjectID),
			zap.String("user_id", request.UserID))
		return Member{}, newServiceError(opAddMember, reasonInsertFailed, err)
	}
}

// ListMembers returns the project's memberships ordered by join time.
func (s *Service) ListMembers(ctx context.Context, projectID string) ([]Member, error) {
	if s.db == nil {
		return nil, newServiceError(opListMembers, reasonMissingDatabase, errMissingDatabase)
	}
	members := make([]Member, 0)
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("joined_at ASC").
		Find(&members).Error
	if err != nil {
		s.logError(opListMembers, reasonQueryFailed, err, zap.String("project_id", projectID))
		return nil, newServiceError(opListMembers, reasonQueryFailed, err)
	}
	return members, nil
}

// FindProjectOwner returns the owner of the project or access.ErrProjectNotFound.
func (s *Service) FindProjectOwner(ctx context.Context, projectID string) (string, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	return project.OwnerID, nil
}

// FindMembership returns the user's membership in the project, if any.
func (s *Service) FindMembership(ctx context.Context, projectID, userID string) (access.Membership, bool, error) {
	if s.db == nil {
		return access.Membership{}, false, newServiceError(opFindMembership, reasonMissingDatabase, errMissingDatabase)
	}
	var member Member
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return access.Membership{}, false, nil
	}
	if err != nil {
		s.logError(opFindMembership, reasonQueryFailed, err,
			zap.String("project_id", projectID),
			zap.String("user_id", userID))
		return access.Membership{}, false, newServiceError(opFindMembership, reasonQueryFailed, err)
	}
	return access.Membership{ProjectID: member.ProjectID, UserID: member.UserID, Role: member.Role}, true, nil
}

// CreateWorkspace stores a workspace under the project.
func (s *Service) CreateWorkspace(ctx context.Context, projectID, rawName string, settings json.RawMessage) (Workspace, error) {
	if s.db == nil {
		return Workspace{}, newServiceError(opCreateWorkspace, reasonMissingDatabase, errMissingDatabase)
	}
	name, err := normalizeName(rawName)
	if err != nil {
		return Workspace{}, err
	}
	settingsJSON, err := normalizeSettings(settings)
	if err != nil {
		return Workspace{}, err
	}
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return Workspace{}, err
	}
	workspaceID, err := s.idProvider.NewID()
	if err != nil {
		return Workspace{}, newServiceError(opCreateWorkspace, reasonIDFailed, err)
	}
	now := s.clock().UTC()
	workspace := Workspace{
		WorkspaceID:  workspaceID,
		ProjectID:    projectID,
		Name:         name,
		SettingsJSON: settingsJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&workspace).Error; err != nil {
		s.logError(opCreateWorkspace, reasonInsertFailed, err, zap.String("project_id", projectID))
		return Workspace{}, newServiceError(opCreateWorkspace, reasonInsertFailed, err)
	}
	return workspace, nil
}

// ListWorkspaces returns the project's workspaces ordered by creation time.
func (s *Service) ListWorkspaces(ctx context.Context, projectID string) ([]Workspace, error) {
	if s.db == nil {
		return nil, newServiceError(opListWorkspaces, reasonMissingDatabase, errMissingDatabase)
	}
	workspaces := make([]Workspace, 0)
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&workspaces).Error
	if err != nil {
		s.logError(opListWorkspaces, reasonQueryFailed, err, zap.String("project_id", projectID))
		return nil, newServiceError(opListWorkspaces, reasonQueryFailed, err)
	}
	return workspaces, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("projects service error", attrs...)
}
