package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-discipline-api/internal/discipline"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
	"github.com/noah-isme/sma-discipline-api/pkg/response"
)

// RequireCapability rejects requests whose role lacks the capability picked
// by pick. Routes stay open to every role that holds it, so the role table
// lives in one place.
func RequireCapability(name string, pick func(discipline.Capabilities) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := Claims(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if !pick(discipline.ActorFromClaims(claims).Capabilities()) {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "missing capability "+name))
			c.Abort()
			return
		}
		c.Next()
	}
}
