package model

import "time"

// MealType identifies a meal slot in the day.
type MealType string

const (
	MealBreakfast MealType = "BREAKFAST"
	MealLunch     MealType = "LUNCH"
	MealSnacks    MealType = "SNACKS"
	MealDinner    MealType = "DINNER"
)

// MealTypes lists the slots in serving order.
var MealTypes = []MealType{MealBreakfast, MealLunch, MealSnacks, MealDinner}

// Valid reports whether m is a known meal slot.
func (m MealType) Valid() bool {
	for _, t := range MealTypes {
		if t == m {
			return true
		}
	}
	return false
}

// MenuItem mirrors a row in `menu_items`.  DayOfWeek runs 1 (Monday)
// through 7 (Sunday).  Price is in minor units and is what a dish
// purchase charges per unit.
type MenuItem struct {
	ID          uint64    `json:"id"`
	DayOfWeek   int       `json:"day_of_week"`
	MealType    MealType  `json:"meal_type"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Price       int64     `json:"price"`
	Available   bool      `json:"available"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MealEntry records that a user took a meal on a given day.  One entry per
// (user, date, meal type).
type MealEntry struct {
	ID        uint64    `json:"id"`
	UserID    uint64    `json:"user_id"`
	EntryDate time.Time `json:"entry_date"`
	MealType  MealType  `json:"meal_type"`
	MarkedBy  uint64    `json:"marked_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ISOWeekday converts a time.Weekday to the 1..7 (Mon..Sun) numbering used
// by menu rows.
func ISOWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}
