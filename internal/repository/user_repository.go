package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/iliyamo/mess-backend/internal/model"
)

// UserRepo is the identity store backed by the 'users' table.
type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

const userColumns = "id,name,email,mobile,address,member_id,password_hash,role,stripe_customer_id,created_at,updated_at"

// Create inserts u and fills in its ID and timestamps.  A unique key
// violation is reported as *DuplicateError naming the key.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO users (name, email, mobile, address, member_id, password_hash, role) VALUES (?,?,?,?,?,?,?)",
		u.Name, u.Email, u.Mobile, u.Address, nullString(u.MemberID), u.PasswordHash, string(u.Role))
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	created, err := r.GetByID(ctx, uint64(id))
	if err != nil {
		return err
	}
	*u = created
	return nil
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := r.DB.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", email)
	return scanUser(row)
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.User, error) {
	row := r.DB.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id)
	return scanUser(row)
}

// SetStripeCustomerID records the processor customer for a user.  An
// existing value is kept so concurrent first checkouts agree on one id.
func (r *UserRepo) SetStripeCustomerID(ctx context.Context, userID uint64, customerID string) error {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE users SET stripe_customer_id=? WHERE id=? AND stripe_customer_id IS NULL",
		customerID, userID)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the user vanished or the id was already set.
		if _, err := r.GetByID(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateProfile writes the editable contact fields of u.  A mobile number
// taken by another account is reported as *DuplicateError.
func (r *UserRepo) UpdateProfile(ctx context.Context, u *model.User) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET name=?, mobile=?, address=? WHERE id=?",
		u.Name, u.Mobile, u.Address, u.ID)
	if err != nil {
		return mapErr(err)
	}
	updated, err := r.GetByID(ctx, u.ID)
	if err != nil {
		return err
	}
	*u = updated
	return nil
}

// lockUserTx takes a row lock on the user for the rest of tx.  It
// serialises operations that must see a consistent per-user view.
func lockUserTx(ctx context.Context, tx *sql.Tx, userID uint64) error {
	var id uint64
	err := tx.QueryRowContext(ctx, "SELECT id FROM users WHERE id=? FOR UPDATE", userID).Scan(&id)
	return mapErr(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.User, error) {
	var (
		u        model.User
		role     string
		memberID sql.NullString
		custID   sql.NullString
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Mobile, &u.Address, &memberID,
		&u.PasswordHash, &role, &custID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, mapErr(err)
	}
	u.Role = model.Role(role)
	u.MemberID = strPtr(memberID)
	u.StripeCustomerID = strPtr(custID)
	return u, nil
}
