package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"go.uber.org/zap"
)

type publishActivityPayload struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type activityPayload struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	UserID    string          `json:"userId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func newActivityPayload(record activity.Record) activityPayload {
	payload := json.RawMessage(record.PayloadJSON)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return activityPayload{
		ID:        record.ID,
		ProjectID: record.ProjectID,
		UserID:    record.UserID,
		Type:      string(record.Type),
		Payload:   payload,
		Timestamp: record.Timestamp(),
	}
}

func (h *httpHandler) handleActivityHistory(c *gin.Context) {
	limit := 0
	if rawLimit := c.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil {
			invalidRequest(c)
			return
		}
		limit = parsed
	}
	records, err := h.gateway.ReadHistory(c.Request.Context(), c.Param("projectId"), c.GetString(userIDContextKey), limit)
	if err != nil {
		h.respondError(c, "activity.history", err)
		return
	}
	payload := make([]activityPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, newActivityPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"activities": payload})
}

func (h *httpHandler) handlePublishActivity(c *gin.Context) {
	var request publishActivityPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	eventType, err := activity.ParseType(request.Type)
	if err != nil {
		h.respondError(c, "activity.publish", err)
		return
	}
	record, err := h.gateway.Publish(c.Request.Context(), c.Param("projectId"), c.GetString(userIDContextKey), eventType, request.Payload)
	if err != nil {
		h.respondError(c, "activity.publish", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"activity": newActivityPayload(record)})
}

// handleWebSocket upgrades the request and hands the connection to the transport.
// Authentication happens in-band with the first authenticate event.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	codec, err := realtime.CodecFor(c.Query("encoding"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_encoding"})
		return
	}
	conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.transport.Serve(c.Request.Context(), conn, codec)
}
