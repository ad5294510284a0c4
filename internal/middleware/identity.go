package middleware

// identity.go holds the context plumbing shared by the middleware and the
// handlers: JWTAuth stores the authenticated principal under principalKey
// and everything downstream reads it back through PrincipalFrom.

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/mess-backend/internal/service"
)

const principalKey = "principal"

// SetPrincipal stores p on the request context.
func SetPrincipal(c echo.Context, p service.Principal) {
	c.Set(principalKey, p)
}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(c echo.Context) (service.Principal, bool) {
	p, ok := c.Get(principalKey).(service.Principal)
	return p, ok
}

// userID returns the caller's id as a string, or "anon" when the request
// is unauthenticated.
func userID(c echo.Context) string {
	if p, ok := PrincipalFrom(c); ok && p.UserID != 0 {
		return strconv.FormatUint(p.UserID, 10)
	}
	return "anon"
}
