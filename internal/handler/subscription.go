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

// SubscriptionService is what the subscription endpoints need.
type SubscriptionService interface {
	Purchase(ctx context.Context, userID uint64, priceReference string) (service.CheckoutHandle, error)
	MyStatus(ctx context.Context, userID uint64) (service.StatusView, error)
	Cancel(ctx context.Context, subscriptionID uint64, requester service.Principal) (model.Subscription, error)
	List(ctx context.Context, status string, pr repository.PageRequest) (repository.Page[model.Subscription], error)
}

type SubscriptionHandler struct {
	svc SubscriptionService
}

func NewSubscriptionHandler(svc SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{svc: svc}
}

type purchaseSubReq struct {
	PriceReference string `json:"price_reference"`
}

type subscriptionResp struct {
	ID                     uint64                   `json:"id"`
	UserID                 uint64                   `json:"user_id"`
	Status                 model.SubscriptionStatus `json:"status"`
	StartDate              string                   `json:"start_date"`
	EndDate                string                   `json:"end_date"`
	AmountPaid             int64                    `json:"amount_paid"`
	Currency               string                   `json:"currency"`
	PaymentTransactionID   *string                  `json:"payment_transaction_id,omitempty"`
	ExternalSubscriptionID *string                  `json:"external_subscription_id,omitempty"`
	CreatedAt              time.Time                `json:"created_at"`
	UpdatedAt              time.Time                `json:"updated_at"`
}

func subscriptionView(s model.Subscription) subscriptionResp {
	return subscriptionResp{
		ID: s.ID, UserID: s.UserID, Status: s.Status,
		StartDate: s.StartDate.Format(time.DateOnly), EndDate: s.EndDate.Format(time.DateOnly),
		AmountPaid: s.AmountPaid, Currency: s.Currency,
		PaymentTransactionID: s.PaymentTransactionID, ExternalSubscriptionID: s.ExternalSubscriptionID,
		CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
	}
}

// Purchase starts a subscription checkout for the caller.  The body is
// optional; an empty body uses the default plan.
func (h *SubscriptionHandler) Purchase(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req purchaseSubReq
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	handle, err := h.svc.Purchase(ctx, p.UserID, req.PriceReference)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, handle)
}

// MyStatus returns the caller's latest subscription.
func (h *SubscriptionHandler) MyStatus(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	view, err := h.svc.MyStatus(ctx, p.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// Cancel stops renewal of an ACTIVE subscription.  Access continues until
// the paid end date.
func (h *SubscriptionHandler) Cancel(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	sub, err := h.svc.Cancel(ctx, id, p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, subscriptionView(sub))
}

// List pages through all subscriptions, optionally by ?status.  Admin only.
func (h *SubscriptionHandler) List(c echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	page, err := h.svc.List(ctx, c.QueryParam("status"), pageParams(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mapPage(page, subscriptionView))
}
