package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/roomserver/internal/auth"
	"github.com/mossy-p/roomserver/internal/models"
)

const APIKeyHeader = "X-API-Key"

// AuthTokenRequest represents the token request body
type AuthTokenRequest struct {
	Username         string `json:"username" binding:"required"`
	Role             string `json:"role"`
	ExpiresInMinutes int    `json:"expiresInMin" binding:"min=0"`
}

// IssueAuthToken mints auth tokens for backends that hold the server API key.
// The endpoint answers 404 when no API key is configured.
func IssueAuthToken(tokens *auth.Service, apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Token endpoint disabled"})
			return
		}
		presented := c.GetHeader(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}

		var req AuthTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		role := auth.RoleUser
		if req.Role != "" {
			parsed, ok := auth.ParseRole(req.Role)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown role " + req.Role})
				return
			}
			role = parsed
		}

		expiresIn := time.Duration(req.ExpiresInMinutes) * time.Minute
		token, err := tokens.IssueAuthToken(auth.AuthClaims{Username: req.Username, Role: role}, expiresIn)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		res := models.AuthTokenResult{AuthToken: token, Username: req.Username, Role: string(role)}
		if expiresIn > 0 {
			res.ExpiresAt = time.Now().Add(expiresIn).Unix()
		}
		c.JSON(http.StatusOK, res)
	}
}
