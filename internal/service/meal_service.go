package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/repository"
)

// MenuStore manages menu items.  See repository.MenuRepo.
type MenuStore interface {
	List(ctx context.Context, onlyAvailable bool) ([]model.MenuItem, error)
	GetByID(ctx context.Context, id uint64) (model.MenuItem, error)
	Create(ctx context.Context, m *model.MenuItem) error
	Update(ctx context.Context, m *model.MenuItem) error
	SetAvailable(ctx context.Context, id uint64, available bool) error
}

// MealEntryStore records meal check-ins.  See repository.MealEntryRepo.
type MealEntryStore interface {
	Create(ctx context.Context, e *model.MealEntry) error
	ListByUser(ctx context.Context, userID uint64, from, to time.Time) ([]model.MealEntry, error)
	List(ctx context.Context, f repository.MealEntryFilter, pr repository.PageRequest) (repository.Page[model.MealEntry], error)
}

// EligibilityChecker answers whether a user may eat on a given day.
type EligibilityChecker interface {
	IsEligible(ctx context.Context, userID uint64, date time.Time) (bool, error)
}

// maxEntryRange caps how many days one meal-entry listing may span.
const maxEntryRange = 366

// MealService runs the weekly menu and meal check-ins.
type MealService struct {
	menu     MenuStore
	entries  MealEntryStore
	eligible EligibilityChecker
	loc      *time.Location
	now      func() time.Time
	log      *slog.Logger
}

func NewMealService(menu MenuStore, entries MealEntryStore, eligible EligibilityChecker, loc *time.Location, log *slog.Logger) *MealService {
	if loc == nil {
		loc = time.UTC
	}
	return &MealService{menu: menu, entries: entries, eligible: eligible, loc: loc, now: time.Now, log: log}
}

// SetClock replaces the time source.
func (s *MealService) SetClock(now func() time.Time) { s.now = now }

func (s *MealService) today() time.Time { return model.DateOf(s.now().In(s.loc)) }

// DayMenu is one day of the weekly menu keyed by meal slot.
type DayMenu struct {
	DayOfWeek int                                `json:"day_of_week"`
	Meals     map[model.MealType][]model.MenuItem `json:"meals"`
}

// WeeklyMenu returns the available items grouped Monday through Sunday.
func (s *MealService) WeeklyMenu(ctx context.Context) ([]DayMenu, error) {
	items, err := s.menu.List(ctx, true)
	if err != nil {
		return nil, err
	}
	week := make([]DayMenu, 7)
	for i := range week {
		week[i] = DayMenu{DayOfWeek: i + 1, Meals: map[model.MealType][]model.MenuItem{}}
		for _, mt := range model.MealTypes {
			week[i].Meals[mt] = []model.MenuItem{}
		}
	}
	for _, it := range items {
		if it.DayOfWeek < 1 || it.DayOfWeek > 7 {
			continue
		}
		d := &week[it.DayOfWeek-1]
		d.Meals[it.MealType] = append(d.Meals[it.MealType], it)
	}
	return week, nil
}

// MenuItemInput is the admin create/update payload.
type MenuItemInput struct {
	DayOfWeek   int    `json:"day_of_week"`
	MealType    string `json:"meal_type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
	Available   *bool  `json:"available"`
}

func (in MenuItemInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.DayOfWeek, validation.Required, validation.Min(1), validation.Max(7)),
		validation.Field(&in.MealType, validation.Required,
			validation.In(string(model.MealBreakfast), string(model.MealLunch), string(model.MealSnacks), string(model.MealDinner))),
		validation.Field(&in.Name, validation.Required, validation.Length(1, 120)),
		validation.Field(&in.Description, validation.Length(0, 500)),
		validation.Field(&in.Price, validation.Min(0)),
	)
}

func (in MenuItemInput) apply(m *model.MenuItem) {
	m.DayOfWeek = in.DayOfWeek
	m.MealType = model.MealType(in.MealType)
	m.Name = in.Name
	m.Description = in.Description
	m.Price = in.Price
	m.Available = in.Available == nil || *in.Available
}

func (in *MenuItemInput) normalize() {
	in.MealType = strings.ToUpper(strings.TrimSpace(in.MealType))
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
}

// CreateItem adds a dish to the menu.
func (s *MealService) CreateItem(ctx context.Context, in MenuItemInput) (model.MenuItem, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return model.MenuItem{}, err
	}
	var m model.MenuItem
	in.apply(&m)
	if err := s.menu.Create(ctx, &m); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return model.MenuItem{}, Detail(ErrConflict, "a dish with this name is already on the menu for that meal")
		}
		return model.MenuItem{}, err
	}
	return m, nil
}

// UpdateItem replaces a dish's fields.
func (s *MealService) UpdateItem(ctx context.Context, id uint64, in MenuItemInput) (model.MenuItem, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return model.MenuItem{}, err
	}
	m := model.MenuItem{ID: id}
	in.apply(&m)
	if err := s.menu.Update(ctx, &m); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return model.MenuItem{}, Detail(ErrNotFound, "menu item not found")
		case errors.Is(err, repository.ErrDuplicate):
			return model.MenuItem{}, Detail(ErrConflict, "a dish with this name is already on the menu for that meal")
		}
		return model.MenuItem{}, err
	}
	return m, nil
}

// RemoveItem takes a dish off the menu.  The row stays for purchase history.
func (s *MealService) RemoveItem(ctx context.Context, id uint64) error {
	err := s.menu.SetAvailable(ctx, id, false)
	if errors.Is(err, repository.ErrNotFound) {
		return Detail(ErrNotFound, "menu item not found")
	}
	return err
}

// MarkInput is a meal check-in request.  UserID and Date are admin-only
// overrides; students always mark themselves for today.
type MarkInput struct {
	MealType string `json:"meal_type"`
	UserID   uint64 `json:"user_id"`
	Date     string `json:"date"` // YYYY-MM-DD
}

// Mark records a meal for the requester (or, for an admin, any user and
// day).  The user must hold a usable subscription on that day.
func (s *MealService) Mark(ctx context.Context, requester Principal, in MarkInput) (model.MealEntry, error) {
	mealType := model.MealType(strings.ToUpper(strings.TrimSpace(in.MealType)))
	if !mealType.Valid() {
		return model.MealEntry{}, validation.Errors{"meal_type": errors.New("must be one of BREAKFAST, LUNCH, SNACKS, DINNER")}
	}
	target := requester.UserID
	if in.UserID != 0 && in.UserID != requester.UserID {
		if !requester.IsAdmin() {
			return model.MealEntry{}, Detail(ErrForbidden, "only admins can mark meals for other users")
		}
		target = in.UserID
	}
	day := s.today()
	if in.Date != "" {
		d, err := parseDate(in.Date)
		if err != nil {
			return model.MealEntry{}, validation.Errors{"date": err}
		}
		if !d.Equal(day) && !requester.IsAdmin() {
			return model.MealEntry{}, Detail(ErrForbidden, "meals can only be marked for today")
		}
		day = d
	}

	ok, err := s.eligible.IsEligible(ctx, target, day)
	if err != nil {
		return model.MealEntry{}, fmt.Errorf("check eligibility: %w", err)
	}
	if !ok {
		return model.MealEntry{}, Detail(ErrForbidden, "no active subscription for this date")
	}

	e := model.MealEntry{UserID: target, EntryDate: day, MealType: mealType, MarkedBy: requester.UserID}
	if err := s.entries.Create(ctx, &e); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return model.MealEntry{}, Detail(ErrConflict, "meal already marked")
		}
		return model.MealEntry{}, err
	}
	s.log.Info("meal marked", "user_id", target, "date", day.Format(time.DateOnly), "meal", mealType, "by", requester.UserID)
	return e, nil
}

// ListEntries returns a user's entries between from and to inclusive.
// Empty bounds default to the last 30 days.
func (s *MealService) ListEntries(ctx context.Context, userID uint64, from, to string) ([]model.MealEntry, error) {
	end := s.today()
	if to != "" {
		d, err := parseDate(to)
		if err != nil {
			return nil, validation.Errors{"to": err}
		}
		end = d
	}
	start := end.AddDate(0, 0, -29)
	if from != "" {
		d, err := parseDate(from)
		if err != nil {
			return nil, validation.Errors{"from": err}
		}
		start = d
	}
	if end.Before(start) {
		return nil, validation.Errors{"from": errors.New("must not be after to")}
	}
	if end.Sub(start) > maxEntryRange*24*time.Hour {
		return nil, validation.Errors{"from": fmt.Errorf("range must not exceed %d days", maxEntryRange)}
	}
	return s.entries.ListByUser(ctx, userID, start, end)
}

// parseDate reads a YYYY-MM-DD civil date.
func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, errors.New("must be a date in YYYY-MM-DD format")
	}
	return t, nil
}

// ParseDate is parseDate for other packages.
func ParseDate(s string) (time.Time, error) { return parseDate(s) }

// History returns one page of the caller's entries, latest day first.
func (s *MealService) History(ctx context.Context, userID uint64, pr repository.PageRequest) (repository.Page[model.MealEntry], error) {
	return s.entries.List(ctx, repository.MealEntryFilter{UserID: userID}, pr)
}

// EntryQuery is the admin meal-entry search.  Empty fields match all.
type EntryQuery struct {
	Date     string // YYYY-MM-DD
	UserID   uint64
	MealType string
}

// Search returns one page of entries across users.
func (s *MealService) Search(ctx context.Context, q EntryQuery, pr repository.PageRequest) (repository.Page[model.MealEntry], error) {
	f := repository.MealEntryFilter{UserID: q.UserID}
	if q.Date != "" {
		d, err := parseDate(q.Date)
		if err != nil {
			return repository.Page[model.MealEntry]{}, validation.Errors{"date": err}
		}
		f.Date = &d
	}
	if q.MealType != "" {
		mt := model.MealType(strings.ToUpper(strings.TrimSpace(q.MealType)))
		if !mt.Valid() {
			return repository.Page[model.MealEntry]{}, validation.Errors{"meal_type": errors.New("must be one of BREAKFAST, LUNCH, SNACKS, DINNER")}
		}
		f.MealType = mt
	}
	return s.entries.List(ctx, f, pr)
}
