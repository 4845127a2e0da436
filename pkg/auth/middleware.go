package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GinMiddleware verifies the Authorization bearer header and stores the
// resolved user on the request context. Requests without a valid identity
// are rejected with 401.
func (s *Service) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerFromHeader(c.GetHeader("Authorization"))
		user, err := s.Verify(c.Request.Context(), token)
		if err != nil {
			s.logger.Warn("authentication failed", map[string]interface{}{
				"error": err.Error(),
				"ip":    c.ClientIP(),
				"path":  c.Request.URL.Path,
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "AUTH_REQUIRED",
					"message": "valid bearer token required",
				},
			})
			return
		}
		c.Request = c.Request.WithContext(WithUser(c.Request.Context(), user))
		c.Next()
	}
}

// BearerFromHeader strips the Bearer prefix from an Authorization header.
// Returns empty when the header is absent or not a bearer credential.
func BearerFromHeader(header string) string {
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
