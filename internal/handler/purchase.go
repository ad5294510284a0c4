package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/repository"
	"github.com/iliyamo/mess-backend/internal/service"
)

// PurchaseService is what the dish purchase endpoints need.
type PurchaseService interface {
	Create(ctx context.Context, userID uint64, in service.PurchaseInput) (service.CheckoutHandle, error)
	ListMine(ctx context.Context, userID uint64) ([]model.Purchase, error)
	History(ctx context.Context, userID uint64, pr repository.PageRequest) (repository.Page[model.Purchase], error)
	ListAll(ctx context.Context, q service.PurchaseQuery, pr repository.PageRequest) (repository.Page[model.Purchase], error)
}

type PurchaseHandler struct {
	svc PurchaseService
}

func NewPurchaseHandler(svc PurchaseService) *PurchaseHandler {
	return &PurchaseHandler{svc: svc}
}

// Create starts a one-time checkout for a menu item.
func (h *PurchaseHandler) Create(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req service.PurchaseInput
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	handle, err := h.svc.Create(ctx, p.UserID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, handle)
}

// ListMine returns the caller's purchases, newest first.
func (h *PurchaseHandler) ListMine(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	items, err := h.svc.ListMine(ctx, p.UserID)
	if err != nil {
		return err
	}
	if items == nil {
		items = []model.Purchase{}
	}
	return c.JSON(http.StatusOK, items)
}

// History pages through the caller's purchases.
func (h *PurchaseHandler) History(c echo.Context) error {
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
	return c.JSON(http.StatusOK, page)
}

// ListAll pages through every purchase, filtered by ?user_id and ?status.
// Admin only.
func (h *PurchaseHandler) ListAll(c echo.Context) error {
	userID, err := queryUserID(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	page, err := h.svc.ListAll(ctx, service.PurchaseQuery{UserID: userID, Status: c.QueryParam("status")}, pageParams(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}
