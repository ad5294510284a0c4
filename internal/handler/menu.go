package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/service"
)

// MenuService is what the menu endpoints need.
type MenuService interface {
	WeeklyMenu(ctx context.Context) ([]service.DayMenu, error)
	CreateItem(ctx context.Context, in service.MenuItemInput) (model.MenuItem, error)
	UpdateItem(ctx context.Context, id uint64, in service.MenuItemInput) (model.MenuItem, error)
	RemoveItem(ctx context.Context, id uint64) error
}

// CacheInvalidator drops cached menu responses after a write.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

type MenuHandler struct {
	svc   MenuService
	cache CacheInvalidator
	log   *slog.Logger
}

// NewMenuHandler builds the handler.  cache may be nil when response
// caching is disabled.
func NewMenuHandler(svc MenuService, cache CacheInvalidator, log *slog.Logger) *MenuHandler {
	return &MenuHandler{svc: svc, cache: cache, log: log}
}

// Weekly returns the menu for all seven days.
func (h *MenuHandler) Weekly(c echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	days, err := h.svc.WeeklyMenu(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, days)
}

func (h *MenuHandler) Create(c echo.Context) error {
	var req service.MenuItemInput
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	item, err := h.svc.CreateItem(ctx, req)
	if err != nil {
		return err
	}
	h.invalidate(ctx)
	return c.JSON(http.StatusCreated, item)
}

func (h *MenuHandler) Update(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req service.MenuItemInput
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	item, err := h.svc.UpdateItem(ctx, id, req)
	if err != nil {
		return err
	}
	h.invalidate(ctx)
	return c.JSON(http.StatusOK, item)
}

// Delete marks the item unavailable.  Rows are kept because purchases
// reference them.
func (h *MenuHandler) Delete(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.svc.RemoveItem(ctx, id); err != nil {
		return err
	}
	h.invalidate(ctx)
	return c.NoContent(http.StatusNoContent)
}

// invalidate is best effort; stale entries expire with the cache TTL.
func (h *MenuHandler) invalidate(ctx context.Context) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(ctx); err != nil {
		h.log.Warn("menu cache invalidation failed", "err", err)
	}
}
