package middleware // reusable HTTP middleware

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/mess-backend/internal/service"
)

// AccessVerifier resolves a bearer access token to a principal.  See
// service.AuthService.VerifyAccessToken.
type AccessVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (service.Principal, error)
}

// JWTAuth returns an Echo middleware that requires a valid Bearer access
// token.  On success the principal, with its role read from the user
// store, is available to handlers via PrincipalFrom.  Failures are returned
// as errors so the central error handler renders the envelope.
func JWTAuth(v AccessVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
				return service.ErrUnauthenticated
			}
			raw := strings.TrimSpace(auth[7:])
			if raw == "" {
				return service.ErrUnauthenticated
			}
			p, err := v.VerifyAccessToken(c.Request().Context(), raw)
			if err != nil {
				return err
			}
			SetPrincipal(c, p)
			return next(c)
		}
	}
}
