package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/emperorhan/webhook-indexer/internal/ratelimit"
)

// rateLimitMiddleware refuses lifecycle calls once the client IP ran out of
// tokens. Keys are "api:<ip>" so per-key overrides can target the API.
func rateLimitMiddleware(limiter ratelimit.Acquirer, logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clientIP := c.RealIP()
			if !limiter.Acquire("api:" + clientIP) {
				c.Response().Header().Set("Retry-After", "1")
				logger.Warn("lifecycle API rate limit exceeded",
					"method", c.Request().Method,
					"path", c.Path(),
					"client_ip", clientIP,
				)
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// auditMiddleware logs every mutating lifecycle request with its outcome.
func auditMiddleware(logger *slog.Logger) echo.MiddlewareFunc {
	auditLogger := logger.With("component", "api_audit")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodPost && req.Method != http.MethodDelete {
				return next(c)
			}

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status, _ = statusFor(err)
			}
			auditLogger.Info("lifecycle API audit",
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"remote_addr", c.RealIP(),
				"method", req.Method,
				"path", req.URL.Path,
				"route", c.Path(),
				"response_status", status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return err
		}
	}
}
