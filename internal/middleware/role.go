package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/service"
)

// RequireRole rejects callers whose role is not in roles.  It must run
// after JWTAuth; a request without a principal is unauthenticated.
func RequireRole(roles ...model.Role) echo.MiddlewareFunc {
	allowed := make(map[model.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFrom(c)
			if !ok {
				return service.ErrUnauthenticated
			}
			if !allowed[p.Role] {
				return service.ErrForbidden
			}
			return next(c)
		}
	}
}
