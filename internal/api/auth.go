package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// Authenticator enforces "Authorization: Bearer <token>" against a single
// configured secret. It takes the token as a constructor argument rather
// than reading an environment variable itself on every request, the same
// explicit-config-at-construction-time discipline internal/store.Open,
// internal/beaconnode.New, and internal/ensemble.LoadDir all follow.
type Authenticator struct {
	token string
}

// NewAuthenticator builds an Authenticator. An empty token disables
// enforcement entirely — development mode.
func NewAuthenticator(token string) *Authenticator {
	if token == "" && os.Getenv("GIN_MODE") == "release" {
		log.Println("[SECURITY WARNING] API_AUTH_TOKEN is not set in release mode; every protected route is reachable without a token")
	}
	return &Authenticator{token: token}
}

// Middleware returns a gin.HandlerFunc that validates the bearer token on
// every request it wraps, using a constant-time comparison so a failed
// match can't be used to time-enumerate the configured token.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.token == "" {
			c.Next()
			return
		}

		scheme, token, found := strings.Cut(c.GetHeader("Authorization"), " ")
		if !found || scheme != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or malformed Authorization header",
				"hint":  "Authorization: Bearer <API_AUTH_TOKEN>",
			})
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Next()
	}
}
