package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/bengillihan/texttomp3/pkg/response"
)

// UserIdentity reads the caller identity from X-User-* headers set by
// the gateway's ForwardAuth and populates Fiber context locals.
func UserIdentity() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		c.Locals("userId", userID)
		c.Locals("email", c.Get("X-User-Email"))
		c.Locals("name", c.Get("X-User-Name"))

		return c.Next()
	}
}

// GetUserID returns the authenticated user ID from context locals.
func GetUserID(c *fiber.Ctx) string {
	if id, ok := c.Locals("userId").(string); ok {
		return id
	}
	return ""
}
