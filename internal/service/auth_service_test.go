package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/utils"
)

type authFixture struct {
	svc    *AuthService
	users  *memUsers
	deny   *memDenylist
	signer *utils.Signer
}

func newAuthFixture(t *testing.T) authFixture {
	t.Helper()
	users := newMemUsers()
	deny := newMemDenylist()
	signer := utils.NewSigner("test-secret")
	svc := NewAuthService(users, deny, signer, AuthConfig{
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		BcryptCost: 4,
	}, discardLogger())
	return authFixture{svc: svc, users: users, deny: deny, signer: signer}
}

func validRegistration() RegisterInput {
	return RegisterInput{
		Name:     "Asha Rao",
		Email:    "  Asha@Example.com ",
		Mobile:   "081234 56789",
		Address:  "Hostel B",
		Password: "correct-horse",
	}
}

func TestRegister_NormalisesAndDefaultsToStudent(t *testing.T) {
	f := newAuthFixture(t)

	u, err := f.svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)
	assert.Equal(t, "asha@example.com", u.Email)
	assert.Equal(t, "+918123456789", u.Mobile)
	assert.Equal(t, model.RoleStudent, u.Role)
	assert.NotEqual(t, "correct-horse", u.PasswordHash)
	assert.True(t, utils.VerifyPassword(u.PasswordHash, "correct-horse"))
	assert.Nil(t, u.MemberID)
}

func TestRegister_ValidationErrors(t *testing.T) {
	f := newAuthFixture(t)

	in := validRegistration()
	in.Email = "not-an-email"
	in.Password = "short"
	_, err := f.svc.Register(context.Background(), in)
	var verrs validation.Errors
	require.True(t, errors.As(err, &verrs), "got %v", err)
	assert.Contains(t, verrs, "email")
	assert.Contains(t, verrs, "password")

	in = validRegistration()
	in.Mobile = "12345678"
	_, err = f.svc.Register(context.Background(), in)
	require.True(t, errors.As(err, &verrs))
	assert.Contains(t, verrs, "mobile")
}

func TestRegister_DuplicatesNameTheField(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, validRegistration())
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "email is already registered", err.Error())

	in := validRegistration()
	in.Email = "other@example.com"
	_, err = f.svc.Register(ctx, in)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "mobile number is already registered", err.Error())
}

func TestAuthenticate(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	u, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	p, err := f.svc.Authenticate(ctx, "asha@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: u.ID, Email: u.Email, Role: model.RoleStudent}, p)

	_, err = f.svc.Authenticate(ctx, "asha@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.svc.Authenticate(ctx, "nobody@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestIssueTokenPair_DistinctTypes(t *testing.T) {
	f := newAuthFixture(t)
	pair, err := f.svc.IssueTokenPair(Principal{UserID: 1, Email: "a@b.c", Role: model.RoleStudent})
	require.NoError(t, err)

	_, err = f.signer.Parse(pair.AccessToken, utils.TokenAccess)
	assert.NoError(t, err)
	_, err = f.signer.Parse(pair.RefreshToken, utils.TokenRefresh)
	assert.NoError(t, err)
	_, err = f.signer.Parse(pair.AccessToken, utils.TokenRefresh)
	assert.Error(t, err)
	assert.True(t, pair.RefreshExpiresAt.After(pair.AccessExpiresAt))
}

func TestRefresh_RotatesAndRevokesOld(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	u := f.users.add(model.User{Email: "a@b.c", Role: model.RoleStudent})
	pair, err := f.svc.IssueTokenPair(principalOf(u))
	require.NoError(t, err)

	next, err := f.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.Equal(t, 1, f.deny.len())

	// The rotated-out token is dead.
	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// The new one still works.
	_, err = f.svc.Refresh(ctx, next.RefreshToken)
	assert.NoError(t, err)
}

func TestRefresh_RejectsAccessTokenAndGarbage(t *testing.T) {
	f := newAuthFixture(t)
	u := f.users.add(model.User{Email: "a@b.c", Role: model.RoleStudent})
	pair, err := f.svc.IssueTokenPair(principalOf(u))
	require.NoError(t, err)

	_, err = f.svc.Refresh(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = f.svc.Refresh(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRefresh_ConcurrentReuseExactlyOneWins(t *testing.T) {
	f := newAuthFixture(t)
	u := f.users.add(model.User{Email: "a@b.c", Role: model.RoleStudent})
	pair, err := f.svc.IssueTokenPair(principalOf(u))
	require.NoError(t, err)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		revoked int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(context.Background(), pair.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrTokenRevoked):
				revoked++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, revoked)
}

func TestRefresh_StoreFailureSurfaces(t *testing.T) {
	f := newAuthFixture(t)
	u := f.users.add(model.User{Email: "a@b.c", Role: model.RoleStudent})
	pair, err := f.svc.IssueTokenPair(principalOf(u))
	require.NoError(t, err)

	f.deny.err = errors.New("db down")
	_, err = f.svc.Refresh(context.Background(), pair.RefreshToken)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTokenInvalid)
	assert.NotErrorIs(t, err, ErrTokenRevoked)
}

func TestRevoke_IsIdempotentAndSilent(t *testing.T) {
	f := newAuthFixture(t)
	u := f.users.add(model.User{Email: "a@b.c", Role: model.RoleStudent})
	pair, err := f.svc.IssueTokenPair(principalOf(u))
	require.NoError(t, err)
	ctx := context.Background()

	f.svc.Revoke(ctx, pair.RefreshToken)
	f.svc.Revoke(ctx, pair.RefreshToken)
	f.svc.Revoke(ctx, "garbage")
	f.svc.Revoke(ctx, "")
	assert.Equal(t, 1, f.deny.len())

	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestVerifyAccessToken_RoleFromStore(t *testing.T) {
	f := newAuthFixture(t)
	u := f.users.add(model.User{Email: "a@b.c", Role: model.RoleAdmin})

	// Signed as STUDENT but the row says ADMIN.
	tok, err := f.signer.Sign(u.Email, string(model.RoleStudent), utils.TokenAccess, time.Minute)
	require.NoError(t, err)
	p, err := f.svc.VerifyAccessToken(context.Background(), tok.Token)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, p.Role)
	assert.Equal(t, u.ID, p.UserID)

	refresh, err := f.signer.Sign(u.Email, string(model.RoleAdmin), utils.TokenRefresh, time.Minute)
	require.NoError(t, err)
	_, err = f.svc.VerifyAccessToken(context.Background(), refresh.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	ghost, err := f.signer.Sign("ghost@b.c", string(model.RoleAdmin), utils.TokenAccess, time.Minute)
	require.NoError(t, err)
	_, err = f.svc.VerifyAccessToken(context.Background(), ghost.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestMe(t *testing.T) {
	f := newAuthFixture(t)
	u := f.users.add(model.User{Email: "a@b.c", Name: "A", Role: model.RoleStudent})

	got, err := f.svc.Me(context.Background(), principalOf(u))
	require.NoError(t, err)
	assert.Equal(t, "A", got.Name)

	_, err = f.svc.Me(context.Background(), Principal{UserID: 99})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateProfile(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	u := f.users.add(model.User{Email: "a@b.c", Name: "A", Mobile: "+918123456789", Role: model.RoleStudent})
	f.users.add(model.User{Email: "o@b.c", Name: "O", Mobile: "+918123456780", Role: model.RoleStudent})

	got, err := f.svc.UpdateProfile(ctx, principalOf(u), ProfileInput{
		Name: strp("  Asha K "), Mobile: strp("081234 56781"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Asha K", got.Name)
	assert.Equal(t, "+918123456781", got.Mobile)
	assert.Equal(t, "a@b.c", got.Email)

	stored, err := f.svc.Me(ctx, principalOf(u))
	require.NoError(t, err)
	assert.Equal(t, "+918123456781", stored.Mobile)

	_, err = f.svc.UpdateProfile(ctx, principalOf(u), ProfileInput{Mobile: strp("+918123456780")})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "mobile number is already registered", err.Error())

	_, err = f.svc.UpdateProfile(ctx, principalOf(u), ProfileInput{Mobile: strp("12"), Name: strp("")})
	var verrs validation.Errors
	require.True(t, errors.As(err, &verrs))
	assert.Contains(t, verrs, "mobile")
	assert.Contains(t, verrs, "name")

	_, err = f.svc.UpdateProfile(ctx, Principal{UserID: 99}, ProfileInput{Name: strp("Ghost")})
	assert.ErrorIs(t, err, ErrNotFound)
}
