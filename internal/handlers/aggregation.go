package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/services"
)

type AggregationHandler struct {
	svc services.AggregationService
}

func NewAggregationHandler(svc services.AggregationService) *AggregationHandler {
	return &AggregationHandler{svc: svc}
}

// GET /api/aggregation/categories?mode=raw|patients&pivot=...&family=hrsn|clinical
func (h *AggregationHandler) Categories(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	mode := services.AggregationMode(c.DefaultQuery("mode", string(services.ModeRaw)))
	pivot := services.Pivot(c.DefaultQuery("pivot", string(services.PivotCategory)))
	family := c.Query("family")

	stats, err := h.svc.Aggregate(c.Request.Context(), userID, mode, pivot, family)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "aggregation_failed", err)
		return
	}
	RespondOK(c, gin.H{
		"mode":       mode,
		"pivot":      pivot,
		"family":     family,
		"categories": stats,
	})
}
