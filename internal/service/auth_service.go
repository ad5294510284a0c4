package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"

	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/repository"
	"github.com/iliyamo/mess-backend/internal/utils"
)

// UserStore is the identity store the auth service reads and writes.
type UserStore interface {
	Create(ctx context.Context, u *model.User) error
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id uint64) (model.User, error)
	UpdateProfile(ctx context.Context, u *model.User) error
}

// RevocationStore is the refresh-token denylist.  Revoke must fail with
// repository.ErrDuplicate when jti is already present.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// AuthConfig holds token lifetimes and hashing parameters.
type AuthConfig struct {
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	BcryptCost  int
	PhoneRegion string // default region for numbers without a country code
}

// TokenPair is the result of a login or a refresh.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// AuthService issues, rotates and revokes credentials.
type AuthService struct {
	users   UserStore
	revoked RevocationStore
	signer  *utils.Signer
	cfg     AuthConfig
	log     *slog.Logger
}

func NewAuthService(users UserStore, revoked RevocationStore, signer *utils.Signer, cfg AuthConfig, log *slog.Logger) *AuthService {
	if cfg.PhoneRegion == "" {
		cfg.PhoneRegion = "IN"
	}
	return &AuthService{users: users, revoked: revoked, signer: signer, cfg: cfg, log: log}
}

// RegisterInput is the self-registration request.
type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Mobile   string `json:"mobile"`
	Address  string `json:"address"`
	Password string `json:"password"`
	MemberID string `json:"member_id"`
}

// Validate checks field shapes.  Uniqueness is enforced by the store.
func (in RegisterInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required, validation.Length(2, 120)),
		validation.Field(&in.Email, validation.Required, validation.Length(3, 190), is.Email),
		validation.Field(&in.Mobile, validation.Required, validation.Length(6, 20)),
		validation.Field(&in.Address, validation.Length(0, 255)),
		// bcrypt ignores bytes past 72.
		validation.Field(&in.Password, validation.Required, validation.Length(8, 72)),
		validation.Field(&in.MemberID, validation.Length(0, 64)),
	)
}

// Register creates a STUDENT account.  Duplicate email, mobile or member id
// is reported as ErrConflict with a message naming the field.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (model.User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	in.MemberID = strings.TrimSpace(in.MemberID)
	if err := in.Validate(); err != nil {
		return model.User{}, err
	}
	mobile, err := NormalizeMobile(in.Mobile, s.cfg.PhoneRegion)
	if err != nil {
		return model.User{}, validation.Errors{"mobile": err}
	}
	hash, err := utils.HashPassword(in.Password, s.cfg.BcryptCost)
	if err != nil {
		return model.User{}, fmt.Errorf("hash password: %w", err)
	}
	u := model.User{
		Name:         in.Name,
		Email:        in.Email,
		Mobile:       mobile,
		Address:      strings.TrimSpace(in.Address),
		PasswordHash: hash,
		Role:         model.RoleStudent,
	}
	if in.MemberID != "" {
		u.MemberID = &in.MemberID
	}
	if err := s.users.Create(ctx, &u); err != nil {
		var dup *repository.DuplicateError
		if errors.As(err, &dup) {
			return model.User{}, duplicateUserError(dup.Key)
		}
		return model.User{}, fmt.Errorf("create user: %w", err)
	}
	s.log.Info("user registered", "user_id", u.ID)
	return u, nil
}

func duplicateUserError(key string) error {
	switch {
	case strings.Contains(key, "email"):
		return Detail(ErrConflict, "email is already registered")
	case strings.Contains(key, "mobile"):
		return Detail(ErrConflict, "mobile number is already registered")
	case strings.Contains(key, "member"):
		return Detail(ErrConflict, "member id is already registered")
	}
	return Detail(ErrConflict, "user already exists")
}

// NormalizeMobile parses a phone number and returns it in E.164 form.
func NormalizeMobile(raw, region string) (string, error) {
	num, err := phonenumbers.Parse(strings.TrimSpace(raw), region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", errors.New("must be a valid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// Authenticate checks an email/password pair.  Unknown email and wrong
// password return the same error after comparable work.
func (s *AuthService) Authenticate(ctx context.Context, email, password string) (Principal, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		utils.BurnPasswordCheck(password)
		return Principal{}, ErrInvalidCredentials
	}
	if err != nil {
		return Principal{}, fmt.Errorf("load user: %w", err)
	}
	if !utils.VerifyPassword(u.PasswordHash, password) {
		return Principal{}, ErrInvalidCredentials
	}
	return principalOf(u), nil
}

// IssueTokenPair mints a fresh access token and refresh token for p.
func (s *AuthService) IssueTokenPair(p Principal) (TokenPair, error) {
	access, err := s.signer.Sign(p.Email, string(p.Role), utils.TokenAccess, s.cfg.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.signer.Sign(p.Email, string(p.Role), utils.TokenRefresh, s.cfg.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// Refresh rotates a refresh token.  The old token's jti is denylisted only
// after the new pair is minted.  Because the denylist is keyed by jti, of
// two concurrent refreshes with the same token exactly one succeeds.
func (s *AuthService) Refresh(ctx context.Context, oldRefresh string) (TokenPair, error) {
	claims, err := s.signer.Parse(oldRefresh, utils.TokenRefresh)
	if err != nil {
		return TokenPair{}, ErrTokenInvalid
	}
	revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("check denylist: %w", err)
	}
	if revoked {
		s.log.Warn("revoked refresh token presented", "jti", claims.ID)
		return TokenPair{}, ErrTokenRevoked
	}
	u, err := s.users.GetByEmail(ctx, claims.Subject)
	if errors.Is(err, repository.ErrNotFound) {
		return TokenPair{}, ErrTokenInvalid
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("load user: %w", err)
	}
	pair, err := s.IssueTokenPair(principalOf(u))
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			s.log.Warn("refresh token reused concurrently", "jti", claims.ID, "user_id", u.ID)
			return TokenPair{}, ErrTokenRevoked
		}
		return TokenPair{}, fmt.Errorf("revoke rotated token: %w", err)
	}
	return pair, nil
}

// Revoke denylists a refresh token.  It never fails: an unparseable,
// expired or already revoked token needs no action, and a store error is
// only logged.
func (s *AuthService) Revoke(ctx context.Context, refreshToken string) {
	if refreshToken == "" {
		return
	}
	claims, err := s.signer.Parse(refreshToken, utils.TokenRefresh)
	if err != nil {
		return
	}
	err = s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil && !errors.Is(err, repository.ErrDuplicate) {
		s.log.Warn("revoke refresh token failed", "jti", claims.ID, "err", err)
	}
}

// VerifyAccessToken resolves a bearer token to a principal.  The role is
// read from the current user row, not from the token.
func (s *AuthService) VerifyAccessToken(ctx context.Context, token string) (Principal, error) {
	claims, err := s.signer.Parse(token, utils.TokenAccess)
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}
	u, err := s.users.GetByEmail(ctx, claims.Subject)
	if errors.Is(err, repository.ErrNotFound) {
		return Principal{}, ErrUnauthenticated
	}
	if err != nil {
		return Principal{}, fmt.Errorf("load user: %w", err)
	}
	return principalOf(u), nil
}

// Me returns the current user row for a principal.
func (s *AuthService) Me(ctx context.Context, p Principal) (model.User, error) {
	u, err := s.users.GetByID(ctx, p.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.User{}, ErrNotFound
	}
	return u, err
}

// ProfileInput is a partial profile update.  Nil fields are left as they
// are; email, role and password are not editable here.
type ProfileInput struct {
	Name    *string `json:"name"`
	Mobile  *string `json:"mobile"`
	Address *string `json:"address"`
}

func (in ProfileInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.NilOrNotEmpty, validation.Length(2, 120)),
		validation.Field(&in.Mobile, validation.NilOrNotEmpty, validation.Length(6, 20)),
		validation.Field(&in.Address, validation.Length(0, 255)),
	)
}

// UpdateProfile changes the caller's contact details.  A mobile number
// already used by another account is ErrConflict.
func (s *AuthService) UpdateProfile(ctx context.Context, p Principal, in ProfileInput) (model.User, error) {
	for _, f := range []*string{in.Name, in.Mobile, in.Address} {
		if f != nil {
			*f = strings.TrimSpace(*f)
		}
	}
	if err := in.Validate(); err != nil {
		return model.User{}, err
	}
	u, err := s.users.GetByID(ctx, p.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("load user: %w", err)
	}
	if in.Name != nil {
		u.Name = *in.Name
	}
	if in.Mobile != nil {
		mobile, err := NormalizeMobile(*in.Mobile, s.cfg.PhoneRegion)
		if err != nil {
			return model.User{}, validation.Errors{"mobile": err}
		}
		u.Mobile = mobile
	}
	if in.Address != nil {
		u.Address = *in.Address
	}
	if err := s.users.UpdateProfile(ctx, &u); err != nil {
		var dup *repository.DuplicateError
		switch {
		case errors.As(err, &dup):
			return model.User{}, duplicateUserError(dup.Key)
		case errors.Is(err, repository.ErrNotFound):
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("update profile: %w", err)
	}
	s.log.Info("profile updated", "user_id", u.ID)
	return u, nil
}
