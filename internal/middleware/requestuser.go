package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/requestdata"
)

// RequestUserMiddleware resolves the owner identity from the X-User-ID
// header set by the upstream gateway. Authentication is an external
// collaborator; by the time a request is here the header is trusted.
type RequestUserMiddleware struct {
	log *logger.Logger
}

func NewRequestUserMiddleware(baseLog *logger.Logger) *RequestUserMiddleware {
	return &RequestUserMiddleware{log: baseLog.With("middleware", "RequestUser")}
}

func (m *RequestUserMiddleware) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-User-ID")
		userID, err := uuid.Parse(raw)
		if err != nil || userID == uuid.Nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-ID"})
			return
		}
		ctx := requestdata.WithRequestData(c.Request.Context(), &requestdata.RequestData{UserID: userID})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
