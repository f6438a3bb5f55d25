package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/access"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/projects"
	"github.com/gin-gonic/gin"
)

type createProjectPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateProjectPayload struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type inviteMemberPayload struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type createWorkspacePayload struct {
	Name     string          `json:"name"`
	Settings json.RawMessage `json:"settings"`
}

type projectPayload struct {
	ProjectID   string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     string    `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type memberPayload struct {
	MemberID  string    `json:"id"`
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	InvitedBy string    `json:"invitedBy,omitempty"`
	JoinedAt  time.Time `json:"joinedAt"`
}

type workspacePayload struct {
	WorkspaceID string          `json:"id"`
	ProjectID   string          `json:"projectId"`
	Name        string          `json:"name"`
	Settings    json.RawMessage `json:"settings"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func newProjectPayload(project projects.Project) projectPayload {
	return projectPayload{
		ProjectID:   project.ProjectID,
		Name:        project.Name,
		Description: project.Description,
		OwnerID:     project.OwnerID,
		CreatedAt:   project.CreatedAt.UTC(),
		UpdatedAt:   project.UpdatedAt.UTC(),
	}
}

func newMemberPayload(member projects.Member) memberPayload {
	return memberPayload{
		MemberID:  member.MemberID,
		ProjectID: member.ProjectID,
		UserID:    member.UserID,
		Role:      member.Role.String(),
		InvitedBy: member.InvitedBy,
		JoinedAt:  member.JoinedAt.UTC(),
	}
}

func newWorkspacePayload(workspace projects.Workspace) workspacePayload {
	return workspacePayload{
		WorkspaceID: workspace.WorkspaceID,
		ProjectID:   workspace.ProjectID,
		Name:        workspace.Name,
		Settings:    json.RawMessage(workspace.SettingsJSON),
		CreatedAt:   workspace.CreatedAt.UTC(),
		UpdatedAt:   workspace.UpdatedAt.UTC(),
	}
}

func (h *httpHandler) handleCreateProject(c *gin.Context) {
	var request createProjectPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	project, err := h.projects.CreateProject(c.Request.Context(), c.GetString(userIDContextKey), request.Name, request.Description)
	if err != nil {
		h.respondError(c, "projects.create", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": newProjectPayload(project)})
}

func (h *httpHandler) handleListProjects(c *gin.Context) {
	found, err := h.projects.ListProjectsForUser(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, "projects.list", err)
		return
	}
	payload := make([]projectPayload, 0, len(found))
	for _, project := range found {
		payload = append(payload, newProjectPayload(project))
	}
	c.JSON(http.StatusOK, gin.H{"projects": payload})
}

func (h *httpHandler) handleGetProject(c *gin.Context) {
	projectID := c.Param("projectId")
	if err := h.gate.AuthorizeRoom(c.Request.Context(), projectID, c.GetString(userIDContextKey)); err != nil {
		h.respondError(c, "projects.get", err)
		return
	}
	project, err := h.projects.GetProject(c.Request.Context(), projectID)
	if err != nil {
		h.respondError(c, "projects.get", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project":        newProjectPayload(project),
		"connectedUsers": h.gateway.Registry().RoomSize(project.ProjectID),
	})
}

func (h *httpHandler) handleUpdateProject(c *gin.Context) {
	projectID := c.Param("projectId")
	var request updateProjectPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	if _, err := h.gate.Require(c.Request.Context(), projectID, c.GetString(userIDContextKey), access.CanEdit); err != nil {
		h.respondError(c, "projects.update", err)
		return
	}
	project, err := h.projects.UpdateProject(c.Request.Context(), projectID, projects.ProjectUpdate{
		Name:        request.Name,
		Description: request.Description,
	})
	if err != nil {
		h.respondError(c, "projects.update", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": newProjectPayload(project)})
}

func (h *httpHandler) handleDeleteProject(c *gin.Context) {
	projectID := c.Param("projectId")
	if _, err := h.gate.Require(c.Request.Context(), projectID, c.GetString(userIDContextKey), access.CanDelete); err != nil {
		h.respondError(c, "projects.delete", err)
		return
	}
	if err := h.projects.DeleteProject(c.Request.Context(), projectID); err != nil {
		h.respondError(c, "projects.delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleInviteMember(c *gin.Context) {
	projectID := c.Param("projectId")
	inviterID := c.GetString(userIDContextKey)
	var request inviteMemberPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	role, err := projects.ParseInviteRole(request.Role)
	if err != nil {
		h.respondError(c, "projects.invite", err)
		return
	}
	if _, err := h.gate.Require(c.Request.Context(), projectID, inviterID, access.CanInvite); err != nil {
		h.respondError(c, "projects.invite", err)
		return
	}
	invitee, err := h.accounts.FindByEmail(c.Request.Context(), request.Email)
	if err != nil {
		h.respondError(c, "projects.invite", err)
		return
	}
	member, err := h.projects.AddMember(c.Request.Context(), projects.AddMemberRequest{
		ProjectID: projectID,
		UserID:    invitee.UserID,
		Role:      role,
		InvitedBy: inviterID,
	})
	if err != nil {
		h.respondError(c, "projects.invite", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"member": newMemberPayload(member)})
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	projectID := c.Param("projectId")
	if err := h.gate.AuthorizeRoom(c.Request.Context(), projectID, c.GetString(userIDContextKey)); err != nil {
		h.respondError(c, "projects.members", err)
		return
	}
	members, err := h.projects.ListMembers(c.Request.Context(), projectID)
	if err != nil {
		h.respondError(c, "projects.members", err)
		return
	}
	payload := make([]memberPayload, 0, len(members))
	for _, member := range members {
		payload = append(payload, newMemberPayload(member))
	}
	c.JSON(http.StatusOK, gin.H{"members": payload})
}

func (h *httpHandler) handleCreateWorkspace(c *gin.Context) {
	projectID := c.Param("projectId")
	var request createWorkspacePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	if _, err := h.gate.Require(c.Request.Context(), projectID, c.GetString(userIDContextKey), access.CanEdit); err != nil {
		h.respondError(c, "projects.create_workspace", err)
		return
	}
	workspace, err := h.projects.CreateWorkspace(c.Request.Context(), projectID, request.Name, request.Settings)
	if err != nil {
		h.respondError(c, "projects.create_workspace", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"workspace": newWorkspacePayload(workspace)})
}

func (h *httpHandler) handleListWorkspaces(c *gin.Context) {
	projectID := c.Param("projectId")
	if err := h.gate.AuthorizeRoom(c.Request.Context(), projectID, c.GetString(userIDContextKey)); err != nil {
		h.respondError(c, "projects.workspaces", err)
		return
	}
	workspaces, err := h.projects.ListWorkspaces(c.Request.Context(), projectID)
	if err != nil {
		h.respondError(c, "projects.workspaces", err)
		return
	}
	payload := make([]workspacePayload, 0, len(workspaces))
	for _, workspace := range workspaces {
		payload = append(payload, newWorkspacePayload(workspace))
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": payload})
}
