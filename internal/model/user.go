package model

import "time"

// Role is the authorization role stored on a user row.  Authorization
// decisions key off this field exclusively.
type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleAdmin   Role = "ADMIN"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleStudent || r == RoleAdmin
}

// User represents an application user record as stored in the `users`
// table.  Email, mobile and member ID are globally unique.  The struct is
// used by the repository and service layers; handlers build their own
// response shapes so the password hash never leaves the service.
//
// Fields:
//  ID               – primary key identifier of the user.
//  Name             – display name.
//  Email            – unique, lower-cased email address (token subject).
//  Mobile           – unique mobile number in E.164 form.
//  Address          – free-form postal address.
//  MemberID         – optional externally issued member ID (unique when set).
//  PasswordHash     – bcrypt hash of the password.
//  Role             – STUDENT or ADMIN.
//  StripeCustomerID – processor customer record, created on first checkout.
type User struct {
	ID               uint64    // users.id
	Name             string    // users.name
	Email            string    // users.email
	Mobile           string    // users.mobile
	Address          string    // users.address
	MemberID         *string   // users.member_id (nullable)
	PasswordHash     string    // users.password_hash
	Role             Role      // users.role
	StripeCustomerID *string   // users.stripe_customer_id (nullable)
	CreatedAt        time.Time // users.created_at
	UpdatedAt        time.Time // users.updated_at
}

// RevokedToken models an entry in the `revoked_tokens` denylist.  Rows are
// keyed by the token's jti and carry the original expiry so stale entries
// can be purged.  Entries are never updated.
type RevokedToken struct {
	JTI       string    // revoked_tokens.jti
	ExpiresAt time.Time // revoked_tokens.expires_at
	CreatedAt time.Time // revoked_tokens.created_at
}
