package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/mess-backend/internal/model"
)

// ReportRepo runs the aggregate queries behind the admin summary.
type ReportRepo struct{ db *sql.DB }

func NewReportRepo(db *sql.DB) *ReportRepo { return &ReportRepo{db: db} }

// Summary aggregates billing and attendance over [From, To].
type Summary struct {
	From                time.Time        `json:"from"`
	To                  time.Time        `json:"to"`
	SubscriptionRevenue int64            `json:"subscription_revenue"`
	PurchaseRevenue     int64            `json:"purchase_revenue"`
	MealsByType         map[string]int64 `json:"meals_by_type"`
	ActiveSubscribers   int64            `json:"active_subscribers"`
}

// Summary computes the report.  today decides which subscriptions count as
// currently active.
func (r *ReportRepo) Summary(ctx context.Context, from, to, today time.Time) (Summary, error) {
	from, to, today = model.DateOf(from), model.DateOf(to), model.DateOf(today)
	s := Summary{From: from, To: to, MealsByType: map[string]int64{}}
	for _, mt := range model.MealTypes {
		s.MealsByType[string(mt)] = 0
	}

	// Every paid cycle counts, renewals included, whatever happened after.
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount),0) FROM subscription_payments
		 WHERE period_start BETWEEN ? AND ?`,
		from, to).Scan(&s.SubscriptionRevenue)
	if err != nil {
		return Summary{}, err
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_amount),0) FROM purchases
		 WHERE payment_transaction_id IS NOT NULL AND DATE(confirmed_at) BETWEEN ? AND ?`,
		from, to).Scan(&s.PurchaseRevenue)
	if err != nil {
		return Summary{}, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT meal_type, COUNT(*) FROM meal_entries WHERE entry_date BETWEEN ? AND ? GROUP BY meal_type`,
		from, to)
	if err != nil {
		return Summary{}, err
	}
	if err := scanCounts(rows, s.MealsByType); err != nil {
		return Summary{}, err
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM subscriptions
		 WHERE status IN ('ACTIVE','CANCELLED') AND start_date<=? AND end_date>=?`,
		today, today).Scan(&s.ActiveSubscribers)
	if err != nil {
		return Summary{}, err
	}
	return s, nil
}

func scanCounts(rows *sql.Rows, into map[string]int64) error {
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int64
		)
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}
