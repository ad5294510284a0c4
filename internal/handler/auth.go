package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/service"
)

// RefreshCookie is the cookie carrying the refresh token.  It is scoped to
// the auth routes so it never travels with ordinary API calls.
const (
	RefreshCookie     = "refresh_token"
	refreshCookiePath = "/api/auth"
)

// AuthService is what the auth endpoints need.  See service.AuthService.
type AuthService interface {
	Register(ctx context.Context, in service.RegisterInput) (model.User, error)
	Authenticate(ctx context.Context, email, password string) (service.Principal, error)
	IssueTokenPair(p service.Principal) (service.TokenPair, error)
	Refresh(ctx context.Context, oldRefresh string) (service.TokenPair, error)
	Revoke(ctx context.Context, refreshToken string)
	Me(ctx context.Context, p service.Principal) (model.User, error)
	UpdateProfile(ctx context.Context, p service.Principal, in service.ProfileInput) (model.User, error)
}

// AuthHandler serves registration, login and token rotation.
type AuthHandler struct {
	svc          AuthService
	cookieSecure bool
	now          func() time.Time
}

func NewAuthHandler(svc AuthService, cookieSecure bool) *AuthHandler {
	return &AuthHandler{svc: svc, cookieSecure: cookieSecure, now: time.Now}
}

// ----- DTOs -----

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResp struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
}

// userResp is the public view of a user row.
type userResp struct {
	ID        uint64     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Mobile    string     `json:"mobile"`
	Address   string     `json:"address,omitempty"`
	MemberID  *string    `json:"member_id,omitempty"`
	Role      model.Role `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
}

func userView(u model.User) userResp {
	return userResp{
		ID: u.ID, Name: u.Name, Email: u.Email, Mobile: u.Mobile, Address: u.Address,
		MemberID: u.MemberID, Role: u.Role, CreatedAt: u.CreatedAt,
	}
}

// Register creates a STUDENT account.
func (h *AuthHandler) Register(c echo.Context) error {
	var req service.RegisterInput
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	u, err := h.svc.Register(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, userView(u))
}

// Login verifies credentials, returns the access token in the body and
// sets the refresh token cookie.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := bind(c, &req); err != nil {
		return err
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return service.ErrInvalidCredentials
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	p, err := h.svc.Authenticate(ctx, email, req.Password)
	if err != nil {
		return err
	}
	pair, err := h.svc.IssueTokenPair(p)
	if err != nil {
		return err
	}
	return h.respondWithPair(c, pair)
}

// RefreshToken rotates the refresh cookie and issues a new access token.
func (h *AuthHandler) RefreshToken(c echo.Context) error {
	ck, err := c.Cookie(RefreshCookie)
	if err != nil || ck.Value == "" {
		return service.Detail(service.ErrUnauthenticated, "refresh token cookie missing")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	pair, err := h.svc.Refresh(ctx, ck.Value)
	if err != nil {
		return err
	}
	return h.respondWithPair(c, pair)
}

// Logout revokes the refresh token, if any, and clears the cookie.  It
// succeeds even without a cookie.
func (h *AuthHandler) Logout(c echo.Context) error {
	if ck, err := c.Cookie(RefreshCookie); err == nil && ck.Value != "" {
		ctx, cancel := requestContext(c)
		defer cancel()
		h.svc.Revoke(ctx, ck.Value)
	}
	c.SetCookie(h.refreshCookie("", -1))
	return c.NoContent(http.StatusNoContent)
}

// Me returns the authenticated user.
func (h *AuthHandler) Me(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	u, err := h.svc.Me(ctx, p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, userView(u))
}

// UpdateMe changes the caller's name, mobile or address.
func (h *AuthHandler) UpdateMe(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req service.ProfileInput
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	u, err := h.svc.UpdateProfile(ctx, p, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, userView(u))
}

func (h *AuthHandler) respondWithPair(c echo.Context, pair service.TokenPair) error {
	maxAge := int(pair.RefreshExpiresAt.Sub(h.now()).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	c.SetCookie(h.refreshCookie(pair.RefreshToken, maxAge))
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.JSON(http.StatusOK, tokenResp{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(pair.AccessExpiresAt.Sub(h.now()).Seconds()),
	})
}

func (h *AuthHandler) refreshCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     RefreshCookie,
		Value:    value,
		Path:     refreshCookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}
