package middleware

import (
	"strings"

	"antigravity2api-go/internal/apierror"
	"github.com/gin-gonic/gin"
)

// AuthConfig controls how the API key is extracted from a request.
type AuthConfig struct {
	// Validator decides whether a presented key is acceptable.
	Validator func(key string) bool
	// AllowGoogleStyle additionally accepts x-goog-api-key and ?key=,
	// for the Gemini-native endpoints.
	AllowGoogleStyle bool
}

// APIKeyAuth validates the client API key. The OpenAI endpoints take
// Authorization: Bearer only; the Gemini-native endpoints also accept the
// x-goog-api-key header and the key query parameter.
func APIKeyAuth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var providedKey string

		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				providedKey = strings.TrimSpace(authHeader[7:])
			} else {
				providedKey = authHeader
			}
		}

		if cfg.AllowGoogleStyle {
			if providedKey == "" {
				providedKey = c.GetHeader("x-goog-api-key")
			}
			if providedKey == "" {
				providedKey = c.Query("key")
			}
		}

		// An empty key set validates anything, including no key at all.
		if cfg.Validator == nil || cfg.Validator(providedKey) {
			c.Set("api_key", providedKey)
			c.Next()
			return
		}
		if providedKey == "" {
			apierror.Abort(c, apierror.Unauthorized("API key not provided"))
			return
		}
		apierror.Abort(c, apierror.Unauthorized("Invalid API key"))
	}
}
