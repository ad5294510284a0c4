package service

import "github.com/iliyamo/mess-backend/internal/model"

// Principal is the authenticated caller.  It is a plain value built from
// the user row on every request and never cached across requests.
type Principal struct {
	UserID uint64     `json:"user_id"`
	Email  string     `json:"email"`
	Role   model.Role `json:"role"`
}

// IsAdmin reports whether the principal holds the ADMIN role.
func (p Principal) IsAdmin() bool { return p.Role == model.RoleAdmin }

// CanActOn reports whether p may act on a resource owned by ownerID.
func (p Principal) CanActOn(ownerID uint64) bool { return p.IsAdmin() || p.UserID == ownerID }

func principalOf(u model.User) Principal {
	return Principal{UserID: u.ID, Email: u.Email, Role: u.Role}
}
