package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/access"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/projects"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const userIDContextKey = "tandem_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingAccounts      = errors.New("account service dependency required")
	errMissingProjects      = errors.New("project service dependency required")
	errMissingGate          = errors.New("access gate dependency required")
	errMissingGateway       = errors.New("collaboration gateway dependency required")
	errMissingTransport     = errors.New("websocket transport dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates access tokens.
type TokenManager interface {
	IssueToken(subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	TokenManager TokenManager
	Accounts     *users.Service
	Projects     *projects.Service
	Gate         *access.Gate
	Gateway      *realtime.Gateway
	Transport    *realtime.Transport
	CORSOrigins  []string
	Logger       *zap.Logger
	Clock        func() time.Time
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.TokenManager == nil:
		return nil, errMissingTokenManager
	case deps.Accounts == nil:
		return nil, errMissingAccounts
	case deps.Projects == nil:
		return nil, errMissingProjects
	case deps.Gate == nil:
		return nil, errMissingGate
	case deps.Gateway == nil:
		return nil, errMissingGateway
	case deps.Transport == nil:
		return nil, errMissingTransport
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.CORSOrigins))

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		accounts:  deps.Accounts,
		projects:  deps.Projects,
		gate:      deps.Gate,
		gateway:   deps.Gateway,
		transport: deps.Transport,
		logger:    logger,
		clock:     clock,
	}

	router.GET("/health", handler.handleHealth)
	router.GET("/ws", handler.handleWebSocket)

	authRoutes := router.Group("/auth")
	authRoutes.POST("/register", handler.handleRegister)
	authRoutes.POST("/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/auth/validate", handler.handleValidate)
	protected.POST("/auth/refresh", handler.handleRefresh)

	protected.POST("/projects", handler.handleCreateProject)
	protected.GET("/projects", handler.handleListProjects)
	protected.GET("/projects/:projectId", handler.handleGetProject)
	protected.PATCH("/projects/:projectId", handler.handleUpdateProject)
	protected.DELETE("/projects/:projectId", handler.handleDeleteProject)

	protected.POST("/projects/:projectId/members", handler.handleInviteMember)
	protected.GET("/projects/:projectId/members", handler.handleListMembers)

	protected.POST("/projects/:projectId/workspaces", handler.handleCreateWorkspace)
	protected.GET("/projects/:projectId/workspaces", handler.handleListWorkspaces)

	protected.GET("/projects/:projectId/activity", handler.handleActivityHistory)
	protected.POST("/projects/:projectId/activity", handler.handlePublishActivity)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	tokens    TokenManager
	accounts  *users.Service
	projects  *projects.Service
	gate      *access.Gate
	gateway   *realtime.Gateway
	transport *realtime.Transport
	logger    *zap.Logger
	clock     func() time.Time
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": h.clock().UTC()})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// respondError maps domain errors onto HTTP statuses and error codes.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, access.ErrProjectNotFound), errors.Is(err, users.ErrAccountNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, access.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, users.ErrEmailTaken):
		status, code = http.StatusConflict, "email_taken"
	case errors.Is(err, projects.ErrAlreadyMember):
		status, code = http.StatusConflict, "already_member"
	case errors.Is(err, users.ErrInvalidCredentials):
		status, code = http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, projects.ErrMemberLimit):
		status, code = http.StatusBadRequest, "member_limit_reached"
	case errors.Is(err, users.ErrInvalidEmail),
		errors.Is(err, users.ErrInvalidDisplayName),
		errors.Is(err, users.ErrWeakPassword),
		errors.Is(err, projects.ErrInvalidName),
		errors.Is(err, projects.ErrInvalidDescription),
		errors.Is(err, projects.ErrInvalidSettings),
		errors.Is(err, projects.ErrInvalidInviteRole),
		errors.Is(err, access.ErrInvalidRole),
		errors.Is(err, projects.ErrInvalidProjectID),
		errors.Is(err, activity.ErrInvalidType),
		errors.Is(err, realtime.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, activity.ErrStorage):
		status, code = http.StatusInternalServerError, "storage_error"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func invalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}
