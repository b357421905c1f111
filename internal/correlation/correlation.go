// Package correlation implements the Correlation Layer (spec.md §4.7):
// every inbound request is associated with a requestId, taken from the
// X-Request-Id header if present, else minted with uuid.New(), generalizing
// the teacher's uuid.New().String() id-minting idiom from job/worker ids to
// correlation ids.
package correlation

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const HeaderName = "X-Request-Id"

type ctxKey struct{}

// Middleware ensures every request carries a requestId, echoed back on the
// response and stored on both the gin.Context and the request's
// context.Context for propagation into downstream calls.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderName)
		if rid == "" {
			rid = uuid.New().String()
		}
		c.Set("requestId", rid)
		c.Writer.Header().Set(HeaderName, rid)
		ctx := context.WithValue(c.Request.Context(), ctxKey{}, rid)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// FromGin reads the requestId set by Middleware, or "" if absent.
func FromGin(c *gin.Context) string {
	if v, ok := c.Get("requestId"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// FromContext reads the requestId from a plain context.Context.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRequestID returns a child context carrying requestId, for callers
// (e.g. the worker) that do not go through the gin middleware.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// New mints a fresh correlation id.
func New() string {
	return uuid.New().String()
}
