package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/users"
	"github.com/gin-gonic/gin"
)

type registerRequestPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type accountPayload struct {
	UserID      string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

type authResponsePayload struct {
	AccessToken string         `json:"access_token"`
	ExpiresIn   int64          `json:"expires_in"`
	TokenType   string         `json:"token_type"`
	User        accountPayload `json:"user"`
}

func newAccountPayload(account users.Account) accountPayload {
	return accountPayload{
		UserID:      account.UserID,
		Email:       account.Email,
		DisplayName: account.DisplayName,
		CreatedAt:   account.CreatedAt.UTC(),
	}
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	account, err := h.accounts.Register(c.Request.Context(), users.RegisterRequest{
		Email:       request.Email,
		Password:    request.Password,
		DisplayName: request.DisplayName,
	})
	if err != nil {
		h.respondError(c, "auth.register", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": newAccountPayload(account)})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	account, err := h.accounts.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.respondError(c, "auth.login", err)
		return
	}
	h.respondWithToken(c, account)
}

func (h *httpHandler) handleValidate(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"valid": true, "user_id": c.GetString(userIDContextKey)})
}

// handleRefresh exchanges a still-valid token for a fresh one while the account exists.
func (h *httpHandler) handleRefresh(c *gin.Context) {
	account, err := h.accounts.FindByID(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, "auth.refresh", err)
		return
	}
	h.respondWithToken(c, account)
}

func (h *httpHandler) respondWithToken(c *gin.Context, account users.Account) {
	token, expiresIn, err := h.tokens.IssueToken(account.UserID)
	if err != nil {
		h.respondError(c, "auth.issue_token", err)
		return
	}
	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User:        newAccountPayload(account),
	})
}
