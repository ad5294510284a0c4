package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/mess-backend/internal/model"
)

// MenuRepo manages the weekly menu in 'menu_items'.
type MenuRepo struct{ db *sql.DB }

func NewMenuRepo(db *sql.DB) *MenuRepo { return &MenuRepo{db: db} }

const menuColumns = "id, day_of_week, meal_type, name, description, price, available, created_at, updated_at"

// List returns menu items ordered by day and meal slot.  When onlyAvailable
// is true, items taken off the menu are skipped.
func (r *MenuRepo) List(ctx context.Context, onlyAvailable bool) ([]model.MenuItem, error) {
	q := "SELECT " + menuColumns + " FROM menu_items"
	if onlyAvailable {
		q += " WHERE available=1"
	}
	q += " ORDER BY day_of_week, FIELD(meal_type,'BREAKFAST','LUNCH','SNACKS','DINNER'), name"
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.MenuItem{}
	for rows.Next() {
		m, err := scanMenuItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetByID fetches one menu item.
func (r *MenuRepo) GetByID(ctx context.Context, id uint64) (model.MenuItem, error) {
	return scanMenuItem(r.db.QueryRowContext(ctx, "SELECT "+menuColumns+" FROM menu_items WHERE id=?", id))
}

// Create inserts m and fills in its ID.  A second item with the same
// name in the same slot is a *DuplicateError.
func (r *MenuRepo) Create(ctx context.Context, m *model.MenuItem) error {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO menu_items (day_of_week, meal_type, name, description, price, available) VALUES (?,?,?,?,?,?)",
		m.DayOfWeek, string(m.MealType), m.Name, m.Description, m.Price, m.Available)
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
	*m = created
	return nil
}

// Update overwrites every editable column of the item with m's values.
func (r *MenuRepo) Update(ctx context.Context, m *model.MenuItem) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE menu_items SET day_of_week=?, meal_type=?, name=?, description=?, price=?, available=? WHERE id=?",
		m.DayOfWeek, string(m.MealType), m.Name, m.Description, m.Price, m.Available, m.ID)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// MySQL reports 0 when nothing changed; tell that apart from a missing row.
		if _, err := r.GetByID(ctx, m.ID); err != nil {
			return err
		}
	}
	updated, err := r.GetByID(ctx, m.ID)
	if err != nil {
		return err
	}
	*m = updated
	return nil
}

// SetAvailable toggles whether an item is offered.  Items are never hard
// deleted because purchases reference them.
func (r *MenuRepo) SetAvailable(ctx context.Context, id uint64, available bool) error {
	if _, err := r.db.ExecContext(ctx, "UPDATE menu_items SET available=? WHERE id=?", available, id); err != nil {
		return err
	}
	_, err := r.GetByID(ctx, id)
	return err
}

func scanMenuItem(row rowScanner) (model.MenuItem, error) {
	var (
		m        model.MenuItem
		mealType string
	)
	err := row.Scan(&m.ID, &m.DayOfWeek, &mealType, &m.Name, &m.Description, &m.Price, &m.Available,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return model.MenuItem{}, mapErr(err)
	}
	m.MealType = model.MealType(mealType)
	return m, nil
}
