package projects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/access"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "projects.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Project{}, &Member{}, &Workspace{}); err != nil {
		t.Fatalf("failed to migrate project schema: %v", err)
	}
	tick := time.Unix(1700000000, 0)
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustProject(t *testing.T, service *Service, ownerID, name string) Project {
	t.Helper()
	project, err := service.CreateProject(context.Background(), ownerID, name, "")
	if err != nil {
		t.Fatalf("create project failed: %v", err)
	}
	return project
}

func TestCreateProjectStoresOwnerMembership(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	project, err := service.CreateProject(ctx, "user-a", "  Atlas  ", "shared board")
	if err != nil {
		t.Fatalf("create project failed: %v", err)
	}
	if project.Name != "Atlas" || project.OwnerID != "user-a" || project.ProjectID == "" {
		t.Fatalf("unexpected project: %#v", project)
	}

	membership, found, err := service.FindMembership(ctx, project.ProjectID, "user-a")
	if err != nil || !found {
		t.Fatalf("expected owner membership, found=%v err=%v", found, err)
	}
	if membership.Role != access.RoleOwner {
		t.Fatalf("expected owner role, got %s", membership.Role)
	}

	ownerID, err := service.FindProjectOwner(ctx, project.ProjectID)
	if err != nil || ownerID != "user-a" {
		t.Fatalf("unexpected owner lookup %q (%v)", ownerID, err)
	}
}

func TestCreateProjectValidatesName(t *testing.T) {
	service := newTestService(t)
	if _, err := service.CreateProject(context.Background(), "user-a", "   ", ""); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected invalid name error, got %v", err)
	}
}

func TestGetProjectReportsMissingProject(t *testing.T) {
	service := newTestService(t)
	if _, err := service.GetProject(context.Background(), "missing"); !errors.Is(err, access.ErrProjectNotFound) {
		t.Fatalf("expected project not found, got %v", err)
	}
	if _, err := service.FindProjectOwner(context.Background(), "missing"); !errors.Is(err, access.ErrProjectNotFound) {
		t.Fatalf("expected project not found from directory, got %v", err)
	}
}

func TestAddMemberEnforcesUniquenessAndLimit(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	project := mustProject(t, service, "user-a", "Atlas")

	member, err := service.AddMember(ctx, AddMemberRequest{
		ProjectID: project.ProjectID,
		UserID:    "user-b",
		Role:      access.RoleCollaborator,
		InvitedBy: "user-a",
	})
	if err != nil {
		t.Fatalf("add member failed: %v", err)
	}
	if member.Role != access.RoleCollaborator {
		t.Fatalf("unexpected role %s", member.Role)
	}

	_, err = service.AddMember(ctx, AddMemberRequest{ProjectID: project.ProjectID, UserID: "user-b", Role: access.RoleViewer})
	if !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("expected duplicate membership rejection, got %v", err)
	}
	_, err = service.AddMember(ctx, AddMemberRequest{ProjectID: project.ProjectID, UserID: "user-a", Role: access.RoleViewer})
	if !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("expected owner re-invite rejection, got %v", err)
	}

	// owner + user-b already hold two of the slots
	for index := 0; index < MaxMembersPerProject-2; index++ {
		if _, err := service.AddMember(ctx, AddMemberRequest{
			ProjectID: project.ProjectID,
			UserID:    fmt.Sprintf("filler-%02d", index),
			Role:      access.RoleViewer,
		}); err != nil {
			t.Fatalf("add filler %d failed: %v", index, err)
		}
	}
	_, err = service.AddMember(ctx, AddMemberRequest{ProjectID: project.ProjectID, UserID: "one-too-many", Role: access.RoleViewer})
	if !errors.Is(err, ErrMemberLimit) {
		t.Fatalf("expected member limit error, got %v", err)
	}

	members, err := service.ListMembers(ctx, project.ProjectID)
	if err != nil {
		t.Fatalf("list members failed: %v", err)
	}
	if len(members) != MaxMembersPerProject {
		t.Fatalf("expected %d members, got %d", MaxMembersPerProject, len(members))
	}
	if members[0].UserID != "user-a" {
		t.Fatalf("expected owner listed first, got %s", members[0].UserID)
	}
}

func TestAddMemberUnknownProject(t *testing.T) {
	service := newTestService(t)
	_, err := service.AddMember(context.Background(), AddMemberRequest{ProjectID: "missing", UserID: "user-b", Role: access.RoleViewer})
	if !errors.Is(err, access.ErrProjectNotFound) {
		t.Fatalf("expected project not found, got %v", err)
	}
}

func TestListProjectsForUserIncludesMemberships(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	owned := mustProject(t, service, "user-a", "Owned")
	shared := mustProject(t, service, "user-b", "Shared")
	mustProject(t, service, "user-c", "Private")

	if _, err := service.AddMember(ctx, AddMemberRequest{ProjectID: shared.ProjectID, UserID: "user-a", Role: access.RoleViewer}); err != nil {
		t.Fatalf("add member failed: %v", err)
	}

	projects, err := service.ListProjectsForUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("list projects failed: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(projects))
	}
	seen := map[string]bool{}
	for _, project := range projects {
		seen[project.ProjectID] = true
	}
	if !seen[owned.ProjectID] || !seen[shared.ProjectID] {
		t.Fatalf("unexpected project list: %#v", projects)
	}
}

func TestUpdateAndDeleteProject(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	project := mustProject(t, service, "user-a", "Atlas")

	renamed := "Atlas v2"
	updated, err := service.UpdateProject(ctx, project.ProjectID, ProjectUpdate{Name: &renamed})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Name != renamed || !updated.UpdatedAt.After(project.UpdatedAt) {
		t.Fatalf("unexpected updated project: %#v", updated)
	}

	if _, err := service.CreateWorkspace(ctx, project.ProjectID, "main", nil); err != nil {
		t.Fatalf("create workspace failed: %v", err)
	}
	if err := service.DeleteProject(ctx, project.ProjectID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := service.GetProject(ctx, project.ProjectID); !errors.Is(err, access.ErrProjectNotFound) {
		t.Fatalf("expected project to be gone, got %v", err)
	}
	members, err := service.ListMembers(ctx, project.ProjectID)
	if err != nil || len(members) != 0 {
		t.Fatalf("expected memberships removed, got %d (%v)", len(members), err)
	}
	workspaces, err := service.ListWorkspaces(ctx, project.ProjectID)
	if err != nil || len(workspaces) != 0 {
		t.Fatalf("expected workspaces removed, got %d (%v)", len(workspaces), err)
	}
	if err := service.DeleteProject(ctx, project.ProjectID); !errors.Is(err, access.ErrProjectNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestWorkspaceSettings(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	project := mustProject(t, service, "user-a", "Atlas")

	testCases := []struct {
		name     string
		settings json.RawMessage
		want     string
		wantErr  error
	}{
		{name: "default", settings: nil, want: "{}"},
		{name: "object", settings: json.RawMessage(`{"theme":"dark"}`), want: `{"theme":"dark"}`},
		{name: "array", settings: json.RawMessage(`[1,2]`), wantErr: ErrInvalidSettings},
		{name: "null", settings: json.RawMessage(`null`), wantErr: ErrInvalidSettings},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			workspace, err := service.CreateWorkspace(ctx, project.ProjectID, testCase.name, testCase.settings)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("create workspace failed: %v", err)
			}
			if workspace.SettingsJSON != testCase.want {
				t.Fatalf("unexpected settings %s", workspace.SettingsJSON)
			}
		})
	}

	if _, err := service.CreateWorkspace(ctx, "missing", "orphan", nil); !errors.Is(err, access.ErrProjectNotFound) {
		t.Fatalf("expected project not found, got %v", err)
	}
}

func TestServiceBacksAccessGate(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	project := mustProject(t, service, "user-a", "Atlas")

	gate, err := access.NewGate(service)
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	if err := gate.AuthorizeRoom(ctx, project.ProjectID, "user-b"); !errors.Is(err, access.ErrForbidden) {
		t.Fatalf("expected forbidden before invite, got %v", err)
	}
	if _, err := service.AddMember(ctx, AddMemberRequest{ProjectID: project.ProjectID, UserID: "user-b", Role: access.RoleViewer}); err != nil {
		t.Fatalf("add member failed: %v", err)
	}
	role, err := gate.ResolveRole(ctx, project.ProjectID, "user-b")
	if err != nil || role != access.RoleViewer {
		t.Fatalf("expected viewer role, got %s (%v)", role, err)
	}
	if _, err := gate.Require(ctx, project.ProjectID, "user-b", access.CanEdit); !errors.Is(err, access.ErrForbidden) {
		t.Fatalf("expected viewer edit to be forbidden, got %v", err)
	}
}

func TestParseInviteRole(t *testing.T) {
	if role, err := ParseInviteRole("Collaborator"); err != nil || role != access.RoleCollaborator {
		t.Fatalf("expected collaborator, got %s (%v)", role, err)
	}
	if _, err := ParseInviteRole("owner"); !errors.Is(err, ErrInvalidInviteRole) {
		t.Fatalf("expected owner invite rejection, got %v", err)
	}
	if _, err := ParseInviteRole("admin"); !errors.Is(err, ErrInvalidInviteRole) {
		t.Fatalf("expected unknown role rejection, got %v", err)
	}
}
