package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/mess-backend/internal/model"
)

// MealEntryRepo records meal check-ins.
type MealEntryRepo struct{ db *sql.DB }

func NewMealEntryRepo(db *sql.DB) *MealEntryRepo { return &MealEntryRepo{db: db} }

const mealEntryColumns = "id, user_id, entry_date, meal_type, marked_by, created_at"

// Create inserts e.  The (user, date, meal type) key is unique, so marking
// the same meal twice yields *DuplicateError.
func (r *MealEntryRepo) Create(ctx context.Context, e *model.MealEntry) error {
	e.EntryDate = model.DateOf(e.EntryDate)
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO meal_entries (user_id, entry_date, meal_type, marked_by) VALUES (?,?,?,?)",
		e.UserID, e.EntryDate, string(e.MealType), e.MarkedBy)
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = uint64(id)
	e.CreatedAt = time.Now().UTC()
	return nil
}

// ListByUser returns the user's entries with from <= entry_date <= to.
func (r *MealEntryRepo) ListByUser(ctx context.Context, userID uint64, from, to time.Time) ([]model.MealEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+mealEntryColumns+` FROM meal_entries
		 WHERE user_id=? AND entry_date BETWEEN ? AND ?
		 ORDER BY entry_date, FIELD(meal_type,'BREAKFAST','LUNCH','SNACKS','DINNER')`,
		userID, model.DateOf(from), model.DateOf(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.MealEntry{}
	for rows.Next() {
		e, err := scanMealEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MealEntryFilter narrows List.  Zero values match everything.
type MealEntryFilter struct {
	UserID   uint64
	Date     *time.Time
	MealType model.MealType
}

// List returns one page of entries, latest day first.
func (r *MealEntryRepo) List(ctx context.Context, f MealEntryFilter, pr PageRequest) (Page[model.MealEntry], error) {
	q := pageQuery{columns: mealEntryColumns, table: "meal_entries",
		orderBy: "entry_date DESC, FIELD(meal_type,'BREAKFAST','LUNCH','SNACKS','DINNER') DESC, id DESC"}
	if f.UserID != 0 {
		q.where = append(q.where, "user_id=?")
		q.args = append(q.args, f.UserID)
	}
	if f.Date != nil {
		q.where = append(q.where, "entry_date=?")
		q.args = append(q.args, model.DateOf(*f.Date))
	}
	if f.MealType != "" {
		q.where = append(q.where, "meal_type=?")
		q.args = append(q.args, string(f.MealType))
	}
	return queryPage(ctx, r.db, q, pr, scanMealEntry)
}

func scanMealEntry(row rowScanner) (model.MealEntry, error) {
	var (
		e        model.MealEntry
		mealType string
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.EntryDate, &mealType, &e.MarkedBy, &e.CreatedAt); err != nil {
		return model.MealEntry{}, mapErr(err)
	}
	e.MealType = model.MealType(mealType)
	return e, nil
}
