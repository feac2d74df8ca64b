package logger

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const headerRequestID = "X-Request-Id"

// Middleware tags each request with a request_id, makes the scoped logger
// available through the gin and request contexts, and logs one summary line
// when the handler returns. For websocket upgrades that is when the
// connection closes.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" || len(rid) > 128 {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		reqLogger := l.With("request_id", rid)
		c.Set("logger", reqLogger)
		c.Request = c.Request.WithContext(With(c.Request.Context(), reqLogger))

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"duration_ms", float64(time.Since(start).Milliseconds()),
		}
		// Set by auth.RequireAccessToken when the request was authenticated.
		if uid := c.GetString("user_id"); uid != "" {
			attrs = append(attrs, "user_id", uid, "user_role", c.GetString("role"))
		}

		if isUpgrade(c.Request) && c.Writer.Written() && c.Writer.Status() == http.StatusOK {
			// The upgrader wrote 101 on the hijacked conn; gin never saw it.
			reqLogger.Info("websocket closed", attrs...)
			return
		}

		status := c.Writer.Status()
		attrs = append(attrs, "status", status)
		switch {
		case len(c.Errors) > 0:
			attrs = append(attrs, "errors", c.Errors.String())
			reqLogger.Error("request", attrs...)
		case status >= http.StatusInternalServerError:
			reqLogger.Error("request", attrs...)
		case status >= http.StatusBadRequest:
			reqLogger.Warn("request", attrs...)
		default:
			reqLogger.Info("request", attrs...)
		}
	}
}

// FromGin pulls the request-scoped logger from Gin context.
func FromGin(c *gin.Context) *slog.Logger {
	if v, ok := c.Get("logger"); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return From(c.Request.Context(), nil)
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
