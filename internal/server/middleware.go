package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/streampay/internal/audit/domain"
	obscontext "github.com/smallbiznis/streampay/internal/observability/context"
)

const headerAuthorization = "Authorization"

// AdminRequired guards operator endpoints with the configured bearer token.
// Without a token they stay open outside production and closed inside it.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(s.cfg.AdminToken)
		if expected == "" {
			if isProduction(s.cfg.Environment) {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			c.Next()
			return
		}

		token := bearerToken(c.GetHeader(headerAuthorization))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeSystem), "admin")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

func isProduction(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production":
		return true
	default:
		return false
	}
}
