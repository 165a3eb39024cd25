package web

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/config"
)

// APIKeyAuth authenticates every route except health, metrics, and
// version against a single gateway key, unlike the teacher's MCP/IDE
// key split — this engine has one ingress caller, the mirroring worker.
func APIKeyAuth(cfg *config.Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Path()
			if path == "/health" || path == "/metrics" || path == "/version" {
				return next(c)
			}

			auth := c.Request().Header.Get("Authorization")
			if auth == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing authorization header")
			}

			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization format, expected 'Bearer <api_key>'")
			}

			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(cfg.GatewayAPIKey)) != 1 {
				slog.Warn("invalid API key attempt", "ip", c.RealIP(), "path", path)
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid API key")
			}

			c.Set("api_key_hash", hashAPIKey(parts[1]))
			return next(c)
		}
	}
}

func hashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:8])
}
