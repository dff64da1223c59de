// Package auth carries the authenticated caller supplied by the identity
// provider. Credentials are never handled here; the caller id arrives as an
// opaque header set by the gateway in front of the API.
package auth

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// HeaderUserID is the request header holding the caller id.
const HeaderUserID = "X-User-ID"

type contextKey struct{}

const localsKey = "flowtree.user_id"

// WithUserID returns a copy of ctx carrying the caller id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserID returns the caller id stored in ctx.
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKey{}).(string)

	return userID, ok && userID != ""
}

// Middleware rejects requests without a caller id with 401.
func Middleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		userID := c.Get(HeaderUserID)
		if userID == "" {
			problem := problems.NewStatusProblem(http.StatusUnauthorized).
				WithInstance(c.Path()).
				WithType("unauthenticated").
				WithDetail("missing " + HeaderUserID + " header")

			return c.Status(http.StatusUnauthorized).JSON(problem)
		}

		c.Locals(localsKey, userID)

		return c.Next()
	}
}

// Context builds the request context for a handler, carrying the caller id
// set by Middleware.
func Context(c fiber.Ctx) context.Context {
	ctx := c.Context()

	if userID, ok := c.Locals(localsKey).(string); ok {
		ctx = WithUserID(ctx, userID)
	}

	return ctx
}
