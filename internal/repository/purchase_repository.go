package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/mess-backend/internal/model"
)

// PurchaseRepo persists one-time dish purchases.
type PurchaseRepo struct{ db *sql.DB }

func NewPurchaseRepo(db *sql.DB) *PurchaseRepo { return &PurchaseRepo{db: db} }

const purchaseColumns = `id, user_id, menu_item_id, quantity, total_amount, currency,
	checkout_session_id, payment_transaction_id, confirmed_at, created_at`

// Create inserts a pending purchase and fills in its ID.
func (r *PurchaseRepo) Create(ctx context.Context, p *model.Purchase) error {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO purchases (user_id, menu_item_id, quantity, total_amount, currency) VALUES (?,?,?,?,?)",
		p.UserID, p.MenuItemID, p.Quantity, p.TotalAmount, p.Currency)
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	p.CreatedAt = time.Now().UTC()
	return nil
}

// SetCheckoutSession stores the processor session created for a purchase.
func (r *PurchaseRepo) SetCheckoutSession(ctx context.Context, id uint64, sessionID string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE purchases SET checkout_session_id=? WHERE id=?", sessionID, id)
	return err
}

// DeletePending removes an unconfirmed purchase whose checkout could not be
// created.
func (r *PurchaseRepo) DeletePending(ctx context.Context, id uint64) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM purchases WHERE id=? AND payment_transaction_id IS NULL", id)
	return err
}

// Confirm records the payment for a purchase.  Only a row that is still
// pending is updated; confirmed reports whether this call did it.
func (r *PurchaseRepo) Confirm(ctx context.Context, id uint64, transactionID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE purchases SET payment_transaction_id=?, confirmed_at=? WHERE id=? AND payment_transaction_id IS NULL",
		transactionID, at.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// GetByID fetches one purchase.
func (r *PurchaseRepo) GetByID(ctx context.Context, id uint64) (model.Purchase, error) {
	return scanPurchase(r.db.QueryRowContext(ctx, "SELECT "+purchaseColumns+" FROM purchases WHERE id=?", id))
}

// ListByUser returns a user's purchases, newest first.
func (r *PurchaseRepo) ListByUser(ctx context.Context, userID uint64) ([]model.Purchase, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+purchaseColumns+" FROM purchases WHERE user_id=? ORDER BY created_at DESC, id DESC", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PurchaseFilter narrows List.  Zero values match everything.
type PurchaseFilter struct {
	UserID    uint64
	Confirmed *bool
}

// List returns one page of purchases, newest first.
func (r *PurchaseRepo) List(ctx context.Context, f PurchaseFilter, pr PageRequest) (Page[model.Purchase], error) {
	q := pageQuery{columns: purchaseColumns, table: "purchases", orderBy: "created_at DESC, id DESC"}
	if f.UserID != 0 {
		q.where = append(q.where, "user_id=?")
		q.args = append(q.args, f.UserID)
	}
	if f.Confirmed != nil {
		if *f.Confirmed {
			q.where = append(q.where, "payment_transaction_id IS NOT NULL")
		} else {
			q.where = append(q.where, "payment_transaction_id IS NULL")
		}
	}
	return queryPage(ctx, r.db, q, pr, scanPurchase)
}

func scanPurchase(row rowScanner) (model.Purchase, error) {
	var (
		p         model.Purchase
		sessionID sql.NullString
		txID      sql.NullString
		confirmed sql.NullTime
	)
	err := row.Scan(&p.ID, &p.UserID, &p.MenuItemID, &p.Quantity, &p.TotalAmount, &p.Currency,
		&sessionID, &txID, &confirmed, &p.CreatedAt)
	if err != nil {
		return model.Purchase{}, mapErr(err)
	}
	p.CheckoutSessionID = strPtr(sessionID)
	p.PaymentTransactionID = strPtr(txID)
	if confirmed.Valid {
		t := confirmed.Time
		p.ConfirmedAt = &t
	}
	return p, nil
}
