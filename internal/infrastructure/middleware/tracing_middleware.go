package middleware

import (
	"net/http"

	"wanderlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

// TracingMiddleware opens one server span per control API request, joining
// the caller's trace when the UI shell propagates one.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		parent := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracing.TraceHTTPRequest(parent, c.Request.Method, route)
		defer span.End()

		// :id only names a call on the call routes
		if id := c.Param("id"); id != "" {
			span.SetAttributes(tracing.CallIDKey.String(id))
		}
		if c.IsWebsocket() {
			span.SetAttributes(attribute.Bool("http.upgrade", true))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if user := c.GetString(ContextUserID); user != "" {
			span.SetAttributes(tracing.UserIDKey.String(user))
		}
		switch {
		case status >= http.StatusInternalServerError:
			span.SetStatus(codes.Error, c.Errors.String())
		case len(c.Errors) > 0:
			span.SetAttributes(attribute.String("error.detail", c.Errors.Last().Error()))
		}
	}
}
