package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/mess-backend/internal/repository"
)

type ReportService interface {
	Summary(ctx context.Context, from, to string) (repository.Summary, error)
}

type ReportHandler struct {
	svc ReportService
}

func NewReportHandler(svc ReportService) *ReportHandler {
	return &ReportHandler{svc: svc}
}

type summaryResp struct {
	From                string           `json:"from"`
	To                  string           `json:"to"`
	SubscriptionRevenue int64            `json:"subscription_revenue"`
	PurchaseRevenue     int64            `json:"purchase_revenue"`
	MealsByType         map[string]int64 `json:"meals_by_type"`
	ActiveSubscribers   int64            `json:"active_subscribers"`
}

// Summary returns revenue and attendance totals for ?from..?to.
func (h *ReportHandler) Summary(c echo.Context) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	s, err := h.svc.Summary(ctx, c.QueryParam("from"), c.QueryParam("to"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summaryResp{
		From:                s.From.Format(time.DateOnly),
		To:                  s.To.Format(time.DateOnly),
		SubscriptionRevenue: s.SubscriptionRevenue,
		PurchaseRevenue:     s.PurchaseRevenue,
		MealsByType:         s.MealsByType,
		ActiveSubscribers:   s.ActiveSubscribers,
	})
}
