package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/requestdata"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/services"
)

type ExtractionHandler struct {
	svc services.ExtractionService
}

func NewExtractionHandler(svc services.ExtractionService) *ExtractionHandler {
	return &ExtractionHandler{svc: svc}
}

func requestUserID(c *gin.Context) (uuid.UUID, bool) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing request user"))
		return uuid.Nil, false
	}
	return rd.UserID, true
}

// POST /api/extraction/start
func (h *ExtractionHandler) Start(c *gin.Context) {
	ownerID, ok := requestUserID(c)
	if !ok {
		return
	}
	var req services.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	snap, started, err := h.svc.Start(c.Request.Context(), ownerID, req)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "start_failed", err)
		return
	}
	status := http.StatusAccepted
	if !started {
		// An active job already exists; return its current state.
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"job": snap, "started": started})
}

// GET /api/extraction/jobs/:id
func (h *ExtractionHandler) GetStatus(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	snap, err := h.svc.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		respondJobError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": snap})
}

// POST /api/extraction/jobs/:id/stop
func (h *ExtractionHandler) Stop(c *gin.Context) {
	h.control(c, h.svc.Stop)
}

// POST /api/extraction/jobs/:id/reset
func (h *ExtractionHandler) Reset(c *gin.Context) {
	h.control(c, h.svc.Reset)
}

// POST /api/extraction/jobs/:id/boost
func (h *ExtractionHandler) Boost(c *gin.Context) {
	h.control(c, h.svc.Boost)
}

// POST /api/extraction/jobs/:id/force-complete
func (h *ExtractionHandler) ForceComplete(c *gin.Context) {
	h.control(c, h.svc.ForceComplete)
}

type controlFunc func(ctx context.Context, jobID uuid.UUID) (*services.JobSnapshot, error)

func (h *ExtractionHandler) control(c *gin.Context, fn controlFunc) {
	if _, ok := requestUserID(c); !ok {
		return
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	snap, err := fn(c.Request.Context(), jobID)
	if err != nil {
		respondJobError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": snap})
}

func respondJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrJobNotFound):
		RespondError(c, http.StatusNotFound, "job_not_found", err)
	case errors.Is(err, services.ErrJobNotRunning),
		errors.Is(err, services.ErrBoostAlreadySet),
		errors.Is(err, services.ErrJobNotLocal):
		RespondError(c, http.StatusConflict, "job_conflict", err)
	default:
		RespondError(c, http.StatusInternalServerError, "job_error", err)
	}
}
