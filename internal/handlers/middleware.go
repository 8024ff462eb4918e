package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/roomserver/internal/models"
)

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Authorization, " + APIKeyHeader
)

// originPolicy is the configured allowed_origins list. "*" allows every origin.
type originPolicy struct {
	any     bool
	origins map[string]struct{}
}

func newOriginPolicy(allowed []string) originPolicy {
	p := originPolicy{origins: make(map[string]struct{}, len(allowed))}
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			p.any = true
		default:
			p.origins[o] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if p.any {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// requestOrigin is the browser origin of c, or "" for non-browser clients.
func requestOrigin(c *gin.Context) string {
	if origin := c.GetHeader("Origin"); origin != "" {
		return origin
	}
	return c.GetHeader("Sec-WebSocket-Origin")
}

// OriginFilter rejects browser requests, websocket upgrades included, whose origin is
// not in allowed. Requests without an origin pass untouched.
func OriginFilter(allowed []string, logger *zap.SugaredLogger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	policy := newOriginPolicy(allowed)

	return func(c *gin.Context) {
		origin := requestOrigin(c)
		if origin == "" {
			c.Next()
			return
		}
		if !policy.allows(origin) {
			logger.Infow("origin rejected", "origin", origin, "path", c.Request.URL.Path, "remote", c.ClientIP())
			writeError(c, models.NewError(models.CodeUnauthorized, "origin %s not allowed", origin))
			c.Abort()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Methods", corsMethods)
		h.Set("Access-Control-Allow-Headers", corsHeaders)
		h.Add("Vary", "Origin")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
