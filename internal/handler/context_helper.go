package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-discipline-api/internal/discipline"
	"github.com/noah-isme/sma-discipline-api/internal/middleware"
	"github.com/noah-isme/sma-discipline-api/internal/models"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	return middleware.Claims(c)
}

// actorFromContext returns the zero actor when no claims are present, which
// resolves to the fail-closed capability set.
func actorFromContext(c *gin.Context) discipline.Actor {
	return discipline.ActorFromClaims(claimsFromContext(c))
}
