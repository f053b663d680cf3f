package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/webinar-backend/internal/auth"
)

const principalKeyName = "principal"

func clientKey(c *gin.Context) string {
	return c.ClientIP()
}

func principalKey(c *gin.Context) string {
	if p, ok := getPrincipal(c); ok {
		return p.User
	}
	return c.ClientIP()
}

func getPrincipal(c *gin.Context) (auth.Principal, bool) {
	v, ok := c.Get(principalKeyName)
	if !ok {
		return auth.Principal{}, false
	}
	p, ok := v.(auth.Principal)
	return p, ok
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}

// requireAuth verifies the session token and stores the principal on the
// context.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No authentication token provided"})
			return
		}
		p, err := s.tokens.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}
		c.Set(principalKeyName, *p)
		c.Next()
	}
}

func (s *Server) requireHost() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := getPrincipal(c)
		if !ok || !p.IsHost() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "This action requires host privileges"})
			return
		}
		c.Next()
	}
}

func (s *Server) rateLimit(rl *Limiter, keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(keyFn(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			return
		}
		c.Next()
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	origin := s.cfg.FrontendURL
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
