package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
)

type channelKey struct{}

var ChannelContextKey = channelKey{}

// deriveChannelFromAPIKey guesses the calling surface from the API key
// prefix convention.
func deriveChannelFromAPIKey(key string) string {
	switch {
	case strings.HasPrefix(key, "ops_"):
		return "operator"
	case strings.HasPrefix(key, "app_"):
		return "sitter_app"
	case strings.HasPrefix(key, "partner_"):
		return "partner"
	default:
		return "api"
	}
}

// Channel tags every request context with the surface it came from, so
// audit rows and logs can tell an operator action from an app callback.
func Channel() gin.HandlerFunc {
	return func(c *gin.Context) {
		channel := deriveChannelFromAPIKey(c.GetHeader("X-API-Key"))
		ctx := context.WithValue(c.Request.Context(), ChannelContextKey, channel)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// FromChannel reports whether the context originated from a given channel.
func FromChannel(ctx context.Context, want string) bool {
	ch, ok := ctx.Value(ChannelContextKey).(string)
	return ok && ch == want
}

// GetChannel returns the channel recorded on the context, "api" when none.
func GetChannel(ctx context.Context) string {
	ch, ok := ctx.Value(ChannelContextKey).(string)
	if !ok {
		return "api"
	}
	return ch
}
