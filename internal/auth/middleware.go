package auth

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/openvelo/openvelo-server/internal/httputil"
	"github.com/openvelo/openvelo-server/internal/user"
)

// localsKey is the c.Locals slot holding the authenticated *user.User.
const localsKey = "user"

// RequireAuth returns Fiber middleware that validates a JWT Bearer token from the Authorization header, resolves the
// subject to an account (creating it on first sight) and stores the user in c.Locals.
func RequireAuth(users user.Repository, secret, issuer string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing authorization header")
		}

		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid authorization format")
		}

		claims, err := ValidateAccessToken(header[len(prefix):], secret, issuer)
		if err != nil {
			message := "Invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				message = "Token has expired"
			}
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, message)
		}
		if claims.Subject == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid token subject")
		}

		u, err := users.GetOrCreateBySubject(c.UserContext(), claims.Subject, claims.Name, claims.Email)
		if err != nil {
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "Failed to resolve account")
		}

		c.Locals(localsKey, u)
		return c.Next()
	}
}

// RequireAdmin returns Fiber middleware that rejects non-admin users. It must run after RequireAuth.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		u := UserFrom(c)
		if u == nil || !u.Admin {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "Admin access required")
		}
		return c.Next()
	}
}

// UserFrom returns the authenticated user stored by RequireAuth, or nil.
func UserFrom(c *fiber.Ctx) *user.User {
	u, _ := c.Locals(localsKey).(*user.User)
	return u
}
