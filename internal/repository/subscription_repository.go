package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/mess-backend/internal/model"
)

// SubscriptionRepo persists subscriptions.  Every status change goes
// through Mutate, which runs a locked read-modify-write in one transaction.
type SubscriptionRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSubscriptionRepo(db *sql.DB) *SubscriptionRepo {
	return &SubscriptionRepo{db: db, now: time.Now}
}

// SubscriptionLookup selects the row Mutate operates on.  ExternalID is
// tried first; when it matches nothing and ID is set, the row is located by
// its local id instead.  This covers an invoice that arrives before the
// checkout event that links the processor id.
type SubscriptionLookup struct {
	ID         uint64
	ExternalID string
}

// ErrNoChange may be returned by a Mutate callback to commit without
// writing the row.
var ErrNoChange = errors.New("no change")

const subscriptionColumns = `id, user_id, start_date, end_date, status, amount_paid, currency,
	payment_transaction_id, external_subscription_id, price_reference, created_at, updated_at`

// CreatePending inserts sub as PENDING_PAYMENT unless the user already holds
// a subscription that blocks a purchase on today.  The user row is locked
// for the duration of the check-then-insert so concurrent purchases by the
// same user serialise; the loser sees ErrConflict.
func (r *SubscriptionRepo) CreatePending(ctx context.Context, sub *model.Subscription, today time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := lockUserTx(ctx, tx, sub.UserID); err != nil {
		return err
	}
	rows, err := tx.QueryContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE user_id=? AND status IN ('PENDING_PAYMENT','ACTIVE')",
		sub.UserID)
	if err != nil {
		return err
	}
	existing, err := scanSubscriptions(rows)
	if err != nil {
		return err
	}
	for _, s := range existing {
		if s.BlocksPurchase(today) {
			return ErrConflict
		}
	}

	sub.Status = model.StatusPendingPayment
	res, err := tx.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, start_date, end_date, status, amount_paid, currency, price_reference)
		 VALUES (?,?,?,?,?,?,?)`,
		sub.UserID, sub.StartDate, sub.EndDate, string(sub.Status), sub.AmountPaid, sub.Currency, nullString(sub.PriceReference))
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	created, err := scanSubscription(tx.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE id=?", id))
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	*sub = created
	return nil
}

// DeletePending removes a pending row that was never linked to the
// processor.  It is the compensating action for a failed checkout creation
// and refuses to touch any other row.
func (r *SubscriptionRepo) DeletePending(ctx context.Context, id uint64) error {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM subscriptions WHERE id=? AND status='PENDING_PAYMENT' AND external_subscription_id IS NULL",
		id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID fetches one subscription.
func (r *SubscriptionRepo) GetByID(ctx context.Context, id uint64) (model.Subscription, error) {
	return scanSubscription(r.db.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE id=?", id))
}

// LatestByUser returns the user's most recently created subscription.
func (r *SubscriptionRepo) LatestByUser(ctx context.Context, userID uint64) (model.Subscription, error) {
	return scanSubscription(r.db.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE user_id=? ORDER BY created_at DESC, id DESC LIMIT 1",
		userID))
}

// HasUsable reports whether the user holds an ACTIVE or CANCELLED
// subscription whose paid window contains day.
func (r *SubscriptionRepo) HasUsable(ctx context.Context, userID uint64, day time.Time) (bool, error) {
	d := model.DateOf(day)
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions
		 WHERE user_id=? AND status IN ('ACTIVE','CANCELLED') AND start_date<=? AND end_date>=?`,
		userID, d, d).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mutate locks the row selected by lookup, passes it to fn and writes back
// the mutable columns.  If fn returns ErrNoChange the transaction commits
// without an UPDATE; any other error rolls back and is returned unchanged.
// The returned value is the row as stored after the call.
func (r *SubscriptionRepo) Mutate(ctx context.Context, lookup SubscriptionLookup, fn func(*model.Subscription) error) (model.Subscription, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Subscription{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	sub, err := r.lockTx(ctx, tx, lookup)
	if err != nil {
		return model.Subscription{}, err
	}
	ferr := fn(&sub)
	switch {
	case errors.Is(ferr, ErrNoChange):
	case ferr != nil:
		return model.Subscription{}, ferr
	default:
		updatedAt := r.now().UTC().Truncate(time.Second)
		_, err = tx.ExecContext(ctx,
			`UPDATE subscriptions SET status=?, start_date=?, end_date=?, amount_paid=?, currency=?,
			 payment_transaction_id=?, external_subscription_id=?, updated_at=? WHERE id=?`,
			string(sub.Status), sub.StartDate, sub.EndDate, sub.AmountPaid, sub.Currency,
			nullString(sub.PaymentTransactionID), nullString(sub.ExternalSubscriptionID), updatedAt, sub.ID)
		if err != nil {
			return model.Subscription{}, mapErr(err)
		}
		sub.UpdatedAt = updatedAt
	}
	if err := tx.Commit(); err != nil {
		return model.Subscription{}, err
	}
	committed = true
	return sub, nil
}

func (r *SubscriptionRepo) lockTx(ctx context.Context, tx *sql.Tx, lookup SubscriptionLookup) (model.Subscription, error) {
	if lookup.ExternalID != "" {
		sub, err := scanSubscription(tx.QueryRowContext(ctx,
			"SELECT "+subscriptionColumns+" FROM subscriptions WHERE external_subscription_id=? FOR UPDATE",
			lookup.ExternalID))
		if err == nil || !errors.Is(err, ErrNotFound) {
			return sub, err
		}
	}
	if lookup.ID == 0 {
		return model.Subscription{}, ErrNotFound
	}
	return scanSubscription(tx.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE id=? FOR UPDATE", lookup.ID))
}

// ExpireStalePending moves PENDING_PAYMENT rows created before cutoff and
// never linked to the processor to EXPIRED.  PENDING_PAYMENT -> EXPIRED is
// an allowed transition so the bulk update needs no per-row check.
func (r *SubscriptionRepo) ExpireStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET status='EXPIRED'
		 WHERE status='PENDING_PAYMENT' AND external_subscription_id IS NULL AND created_at < ?`,
		cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SubscriptionFilter narrows List.  Zero values match everything.
type SubscriptionFilter struct {
	UserID uint64
	Status model.SubscriptionStatus
}

// List returns one page of subscriptions, latest period first.
func (r *SubscriptionRepo) List(ctx context.Context, f SubscriptionFilter, pr PageRequest) (Page[model.Subscription], error) {
	q := pageQuery{columns: subscriptionColumns, table: "subscriptions", orderBy: "start_date DESC, id DESC"}
	if f.UserID != 0 {
		q.where = append(q.where, "user_id=?")
		q.args = append(q.args, f.UserID)
	}
	if f.Status != "" {
		q.where = append(q.where, "status=?")
		q.args = append(q.args, string(f.Status))
	}
	return queryPage(ctx, r.db, q, pr, scanSubscription)
}

// HasPayment reports whether transactionID is already in the payment
// ledger.
func (r *SubscriptionRepo) HasPayment(ctx context.Context, transactionID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		"SELECT 1 FROM subscription_payments WHERE transaction_id=?", transactionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordPayment appends a paid cycle to the ledger.  Recording a
// transaction id that is already there is a no-op and reports false.
func (r *SubscriptionRepo) RecordPayment(ctx context.Context, p *model.SubscriptionPayment) (bool, error) {
	if p.PaidAt.IsZero() {
		p.PaidAt = r.now().UTC().Truncate(time.Second)
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO subscription_payments
		 (subscription_id, user_id, transaction_id, amount, currency, period_start, period_end, paid_at)
		 VALUES (?,?,?,?,?,?,?,?)
		 ON DUPLICATE KEY UPDATE id=id`,
		p.SubscriptionID, p.UserID, p.TransactionID, p.Amount, p.Currency, p.PeriodStart, p.PeriodEnd, p.PaidAt.UTC())
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if id, err := res.LastInsertId(); err == nil {
		p.ID = uint64(id)
	}
	return true, nil
}

func scanSubscription(row rowScanner) (model.Subscription, error) {
	var (
		s        model.Subscription
		status   string
		txID     sql.NullString
		extID    sql.NullString
		priceRef sql.NullString
	)
	err := row.Scan(&s.ID, &s.UserID, &s.StartDate, &s.EndDate, &status, &s.AmountPaid, &s.Currency,
		&txID, &extID, &priceRef, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return model.Subscription{}, mapErr(err)
	}
	s.Status = model.SubscriptionStatus(status)
	s.PaymentTransactionID = strPtr(txID)
	s.ExternalSubscriptionID = strPtr(extID)
	s.PriceReference = strPtr(priceRef)
	return s, nil
}

func scanSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	defer rows.Close()
	var out []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
