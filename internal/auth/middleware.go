// Package auth guards the subscriber endpoint with HS256 bearer tokens.
package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// LocalSubject is the fiber locals key holding the verified token subject.
const LocalSubject = "subject"

// JWTMiddleware validates a bearer token taken from the Authorization header
// or, since browsers cannot set headers on a WebSocket upgrade, from the
// token query parameter. An empty secret disables verification.
func JWTMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}

		token := bearerFromHeader(c.Get("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		claims, err := ParseToken(secret, token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}

		c.Locals(LocalSubject, claims.Subject)
		return c.Next()
	}
}

func bearerFromHeader(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
