package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/repository"
	"github.com/iliyamo/mess-backend/internal/service"
)

// MealEntryService is what the meal entry endpoints need.
type MealEntryService interface {
	Mark(ctx context.Context, requester service.Principal, in service.MarkInput) (model.MealEntry, error)
	ListEntries(ctx context.Context, userID uint64, from, to string) ([]model.MealEntry, error)
	History(ctx context.Context, userID uint64, pr repository.PageRequest) (repository.Page[model.MealEntry], error)
	Search(ctx context.Context, q service.EntryQuery, pr repository.PageRequest) (repository.Page[model.MealEntry], error)
}

type MealEntryHandler struct {
	svc MealEntryService
}

func NewMealEntryHandler(svc MealEntryService) *MealEntryHandler {
	return &MealEntryHandler{svc: svc}
}

type mealEntryResp struct {
	ID        uint64         `json:"id"`
	UserID    uint64         `json:"user_id"`
	Date      string         `json:"date"`
	MealType  model.MealType `json:"meal_type"`
	MarkedBy  uint64         `json:"marked_by"`
	CreatedAt time.Time      `json:"created_at"`
}

func mealEntryView(e model.MealEntry) mealEntryResp {
	return mealEntryResp{
		ID: e.ID, UserID: e.UserID, Date: e.EntryDate.Format(time.DateOnly),
		MealType: e.MealType, MarkedBy: e.MarkedBy, CreatedAt: e.CreatedAt,
	}
}

// Mark records a meal check-in.
func (h *MealEntryHandler) Mark(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req service.MarkInput
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	entry, err := h.svc.Mark(ctx, p, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, mealEntryView(entry))
}

// Mine lists the caller's entries between ?from and ?to.
func (h *MealEntryHandler) Mine(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	return h.list(c, p.UserID)
}

// ForUser lists another user's entries.  Admin only.
func (h *MealEntryHandler) ForUser(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	return h.list(c, id)
}

func (h *MealEntryHandler) list(c echo.Context, userID uint64) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	entries, err := h.svc.ListEntries(ctx, userID, c.QueryParam("from"), c.QueryParam("to"))
	if err != nil {
		return err
	}
	out := make([]mealEntryResp, 0, len(entries))
	for _, e := range entries {
		out = append(out, mealEntryView(e))
	}
	return c.JSON(http.StatusOK, out)
}

// History pages through the caller's entries, latest first.
func (h *MealEntryHandler) History(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	page, err := h.svc.History(ctx, p.UserID, pageParams(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mapPage(page, mealEntryView))
}

// Search pages through all entries filtered by ?date, ?user_id and
// ?meal_type.  Admin only.
func (h *MealEntryHandler) Search(c echo.Context) error {
	userID, err := queryUserID(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	page, err := h.svc.Search(ctx, service.EntryQuery{
		Date:     c.QueryParam("date"),
		UserID:   userID,
		MealType: c.QueryParam("meal_type"),
	}, pageParams(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mapPage(page, mealEntryView))
}
