package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/sse"
)

type SSEHandler struct {
	log *logger.Logger
	hub *sse.SSEHub
}

func NewSSEHandler(baseLog *logger.Logger, hub *sse.SSEHub) *SSEHandler {
	return &SSEHandler{
		log: baseLog.With("handler", "SSEHandler"),
		hub: hub,
	}
}

// GET /api/sse/stream
//
// Subscribes the connection to the owner's channel. AddChannel replays the
// last-known job snapshot, so a client attaching mid-run sees current state
// before the next live event.
func (h *SSEHandler) Stream(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	client := h.hub.NewSSEClient(userID)
	h.hub.AddChannel(client, userID.String())
	h.log.Debug("SSE stream open", "user_id", userID, "client_id", client.ID)

	h.hub.ServeHTTP(c.Writer, c.Request, client)

	h.hub.CloseClient(client)
	h.log.Debug("SSE stream closed", "user_id", userID, "client_id", client.ID)
}

// GET /api/sse/last
//
// Polling fallback: the retained snapshot for the owner's channel.
func (h *SSEHandler) Last(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	msg, found := h.hub.LastSnapshot(userID.String())
	if !found {
		RespondError(c, http.StatusNotFound, "no_snapshot", errors.New("no events published yet"))
		return
	}
	RespondOK(c, msg)
}
