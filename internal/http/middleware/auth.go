package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"dms/internal/apperr"
	"dms/internal/auth"
)

// SubjectLocalKey holds the authenticated subject in Fiber's context locals.
const SubjectLocalKey = "subject"

// Authenticate requires a valid bearer token. On success the SecurityContext is
// attached to the user context; otherwise the chain stops with
// apperr.ErrUnauthenticated and the handler is never reached.
func Authenticate(v auth.TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return apperr.Unauthenticated(nil, "missing bearer token")
		}

		sc, err := v.Verify(c.UserContext(), raw)
		if err != nil {
			return err
		}

		c.Locals(SubjectLocalKey, sc.Subject)
		c.SetUserContext(auth.WithSecurityContext(c.UserContext(), sc))
		return c.Next()
	}
}

// RequireScope rejects principals without scope. It must run after Authenticate.
func RequireScope(scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sc, ok := auth.FromContext(c.UserContext())
		if !ok {
			return apperr.Unauthenticated(nil, "missing bearer token")
		}
		if !sc.HasScope(scope) {
			return apperr.Forbidden("missing required scope %s", scope)
		}
		return c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
