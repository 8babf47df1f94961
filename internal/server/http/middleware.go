package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"forge/internal/logging"
	"forge/internal/pool"
)

const sessionIDKey = "sessionID"

// CORSMiddleware permits browser clients on local dev hosts.
func CORSMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// RequestLogger logs each request with its outcome and duration.
func RequestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// RequireMaster admits only the pool's master token. Session tokens are
// recognized and refused with 403: scope confusion is a client bug worth
// distinguishing from a bad credential.
func RequireMaster(masterToken string, tokens *pool.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			writeError(c, http.StatusUnauthorized, CodeUnauthorized, "missing bearer token")
			return
		}
		if pool.SecureCompare(token, masterToken) {
			c.Next()
			return
		}
		if _, err := tokens.Validate(token); err == nil {
			writeError(c, http.StatusForbidden, CodeForbidden, "session tokens cannot access pool management endpoints")
			return
		}
		writeError(c, http.StatusUnauthorized, CodeUnauthorized, "invalid credentials")
	}
}

// RequireSession admits only a valid session token and records its session
// ID in the request context. The master token is refused with 403: it never
// grants access to a session's jobs.
func RequireSession(masterToken string, tokens *pool.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			writeError(c, http.StatusUnauthorized, CodeUnauthorized, "missing bearer token")
			return
		}
		if pool.SecureCompare(token, masterToken) {
			writeError(c, http.StatusForbidden, CodeForbidden, "the master token cannot access session job endpoints")
			return
		}
		sessionID, err := tokens.Validate(token)
		if err != nil {
			writeError(c, http.StatusUnauthorized, CodeUnauthorized, "invalid session token")
			return
		}
		c.Set(sessionIDKey, sessionID)
		c.Next()
	}
}
