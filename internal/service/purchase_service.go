package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/iliyamo/mess-backend/internal/metrics"
	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/payment"
	"github.com/iliyamo/mess-backend/internal/queue"
	"github.com/iliyamo/mess-backend/internal/repository"
)

// PurchaseStore persists dish purchases.  See repository.PurchaseRepo.
type PurchaseStore interface {
	Create(ctx context.Context, p *model.Purchase) error
	SetCheckoutSession(ctx context.Context, id uint64, sessionID string) error
	DeletePending(ctx context.Context, id uint64) error
	Confirm(ctx context.Context, id uint64, transactionID string, at time.Time) (bool, error)
	GetByID(ctx context.Context, id uint64) (model.Purchase, error)
	ListByUser(ctx context.Context, userID uint64) ([]model.Purchase, error)
	List(ctx context.Context, f repository.PurchaseFilter, pr repository.PageRequest) (repository.Page[model.Purchase], error)
}

// MenuReader looks up menu items.
type MenuReader interface {
	GetByID(ctx context.Context, id uint64) (model.MenuItem, error)
}

// PurchaseInput is a dish order request.
type PurchaseInput struct {
	MenuItemID uint64 `json:"menu_item_id"`
	Quantity   int    `json:"quantity"`
}

func (in PurchaseInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.MenuItemID, validation.Required),
		validation.Field(&in.Quantity, validation.Required, validation.Min(1), validation.Max(20)),
	)
}

// PurchaseService sells individual dishes through one-time checkouts.
type PurchaseService struct {
	purchases PurchaseStore
	menu      MenuReader
	customers CustomerStore
	gateway   Gateway
	events    EventPublisher
	metrics   *metrics.Collector
	currency  string
	log       *slog.Logger
}

func NewPurchaseService(purchases PurchaseStore, menu MenuReader, customers CustomerStore, gateway Gateway,
	events EventPublisher, mc *metrics.Collector, currency string, log *slog.Logger) *PurchaseService {
	if events == nil {
		events = NoopPublisher{}
	}
	return &PurchaseService{
		purchases: purchases, menu: menu, customers: customers, gateway: gateway,
		events: events, metrics: mc, currency: currency, log: log,
	}
}

// Create records a pending purchase and opens a checkout for it.  When the
// checkout cannot be created the purchase is removed again.
func (s *PurchaseService) Create(ctx context.Context, userID uint64, in PurchaseInput) (CheckoutHandle, error) {
	if err := in.Validate(); err != nil {
		return CheckoutHandle{}, err
	}
	item, err := s.menu.GetByID(ctx, in.MenuItemID)
	if errors.Is(err, repository.ErrNotFound) {
		return CheckoutHandle{}, Detail(ErrNotFound, "menu item not found")
	}
	if err != nil {
		return CheckoutHandle{}, fmt.Errorf("load menu item: %w", err)
	}
	if !item.Available {
		return CheckoutHandle{}, Detail(ErrConflict, "menu item is not available")
	}
	if item.Price <= 0 {
		return CheckoutHandle{}, Detail(ErrConflict, "menu item is not for sale")
	}
	user, err := s.customers.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return CheckoutHandle{}, ErrNotFound
	}
	if err != nil {
		return CheckoutHandle{}, fmt.Errorf("load user: %w", err)
	}

	customerID, err := s.gateway.EnsureCustomer(ctx, user)
	if err != nil {
		s.metrics.ObserveGatewayError("ensure_customer")
		s.log.Error("payment gateway call failed", "op", "ensure_customer", "user_id", userID, "err", err)
		return CheckoutHandle{}, fmt.Errorf("%w: %w", ErrGateway, err)
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID != customerID {
		if err := s.customers.SetStripeCustomerID(ctx, userID, customerID); err != nil {
			s.log.Warn("could not persist processor customer id", "user_id", userID, "err", err)
		}
	}

	p := model.Purchase{
		UserID:      userID,
		MenuItemID:  item.ID,
		Quantity:    in.Quantity,
		TotalAmount: item.Price * int64(in.Quantity),
		Currency:    s.currency,
	}
	if err := s.purchases.Create(ctx, &p); err != nil {
		return CheckoutHandle{}, fmt.Errorf("create purchase: %w", err)
	}

	sess, err := s.gateway.CreateOneTimeCheckout(ctx, payment.OneTimeCheckout{
		CustomerID: customerID,
		UserID:     userID,
		PurchaseID: p.ID,
		ItemName:   item.Name,
		UnitAmount: item.Price,
		Quantity:   int64(in.Quantity),
	})
	if err != nil {
		s.metrics.ObserveGatewayError("create_checkout")
		s.log.Error("payment gateway call failed", "op", "create_checkout", "user_id", userID, "purchase_id", p.ID, "err", err)
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if derr := s.purchases.DeletePending(cctx, p.ID); derr != nil {
			s.log.Error("could not remove pending purchase", "purchase_id", p.ID, "err", derr)
		}
		return CheckoutHandle{}, fmt.Errorf("%w: %w", ErrGateway, err)
	}
	if err := s.purchases.SetCheckoutSession(ctx, p.ID, sess.ID); err != nil {
		s.log.Warn("could not store checkout session", "purchase_id", p.ID, "err", err)
	}
	return CheckoutHandle{CheckoutURL: sess.URL, SessionID: sess.ID, PurchaseID: p.ID}, nil
}

// Confirm attaches the payment transaction to a pending purchase.  A
// purchase that is already confirmed is left alone.
func (s *PurchaseService) Confirm(ctx context.Context, purchaseID uint64, transactionID string) error {
	if purchaseID == 0 {
		return Detail(ErrNotFound, "checkout does not reference a purchase")
	}
	confirmed, err := s.purchases.Confirm(ctx, purchaseID, transactionID, time.Now())
	if errors.Is(err, repository.ErrNotFound) {
		return Detail(ErrNotFound, "purchase not found")
	}
	if err != nil {
		return fmt.Errorf("confirm purchase: %w", err)
	}
	if !confirmed {
		s.log.Info("duplicate purchase confirmation ignored", "purchase_id", purchaseID)
		return nil
	}
	p, err := s.purchases.GetByID(ctx, purchaseID)
	if err != nil {
		s.log.Warn("confirmed purchase could not be reloaded", "purchase_id", purchaseID, "err", err)
		p = model.Purchase{ID: purchaseID}
	}
	s.log.Info("purchase confirmed", "purchase_id", purchaseID, "user_id", p.UserID)
	publishBestEffort(ctx, s.events, s.log, queue.BillingEvent{
		Type: queue.PurchaseConfirmed, UserID: p.UserID, PurchaseID: purchaseID,
		Amount: p.TotalAmount, Currency: p.Currency, TransactionID: transactionID,
	})
	return nil
}

// ListMine returns the caller's purchases, newest first.
func (s *PurchaseService) ListMine(ctx context.Context, userID uint64) ([]model.Purchase, error) {
	return s.purchases.ListByUser(ctx, userID)
}

// History returns one page of the caller's purchases, newest first.
func (s *PurchaseService) History(ctx context.Context, userID uint64, pr repository.PageRequest) (repository.Page[model.Purchase], error) {
	return s.purchases.List(ctx, repository.PurchaseFilter{UserID: userID}, pr)
}

// PurchaseQuery is the admin purchase search.  Status is "confirmed",
// "pending" or empty for both.
type PurchaseQuery struct {
	UserID uint64
	Status string
}

// ListAll returns one page of every user's purchases.
func (s *PurchaseService) ListAll(ctx context.Context, q PurchaseQuery, pr repository.PageRequest) (repository.Page[model.Purchase], error) {
	f := repository.PurchaseFilter{UserID: q.UserID}
	switch strings.ToLower(strings.TrimSpace(q.Status)) {
	case "":
	case "confirmed":
		f.Confirmed = boolPtr(true)
	case "pending":
		f.Confirmed = boolPtr(false)
	default:
		return repository.Page[model.Purchase]{}, validation.Errors{"status": errors.New("must be confirmed or pending")}
	}
	return s.purchases.List(ctx, f, pr)
}

func boolPtr(b bool) *bool { return &b }
