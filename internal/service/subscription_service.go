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

// SubscriptionStore persists subscriptions.  See repository.SubscriptionRepo.
type SubscriptionStore interface {
	CreatePending(ctx context.Context, sub *model.Subscription, today time.Time) error
	DeletePending(ctx context.Context, id uint64) error
	GetByID(ctx context.Context, id uint64) (model.Subscription, error)
	LatestByUser(ctx context.Context, userID uint64) (model.Subscription, error)
	HasUsable(ctx context.Context, userID uint64, day time.Time) (bool, error)
	Mutate(ctx context.Context, lookup repository.SubscriptionLookup, fn func(*model.Subscription) error) (model.Subscription, error)
	ExpireStalePending(ctx context.Context, cutoff time.Time) (int64, error)
	HasPayment(ctx context.Context, transactionID string) (bool, error)
	RecordPayment(ctx context.Context, p *model.SubscriptionPayment) (bool, error)
	List(ctx context.Context, f repository.SubscriptionFilter, pr repository.PageRequest) (repository.Page[model.Subscription], error)
}

// CustomerStore reads users and records their processor customer id.
type CustomerStore interface {
	GetByID(ctx context.Context, id uint64) (model.User, error)
	SetStripeCustomerID(ctx context.Context, userID uint64, customerID string) error
}

// Gateway is the payment processor.  See payment.StripeGateway.
type Gateway interface {
	EnsureCustomer(ctx context.Context, u model.User) (string, error)
	CreateSubscriptionCheckout(ctx context.Context, in payment.SubscriptionCheckout) (payment.Session, error)
	CreateOneTimeCheckout(ctx context.Context, in payment.OneTimeCheckout) (payment.Session, error)
	CancelAtPeriodEnd(ctx context.Context, externalID string) error
}

// SubscriptionConfig holds plan and timing parameters.
type SubscriptionConfig struct {
	Currency       string
	DurationMonths int
	DefaultPriceID string
	// PendingTTL is how long an unpaid checkout may block new purchases.
	PendingTTL time.Duration
	Location   *time.Location
}

// sweepGrace delays the stale sweep past the checkout expiry (the gateway
// sets it to PendingTTL) so a payment completed at the last moment is
// usually linked before its row is expired.  A later payment reinstates
// the row in Activate.
const sweepGrace = 15 * time.Minute

// CheckoutHandle is returned to the client after a purchase starts.
type CheckoutHandle struct {
	CheckoutURL    string `json:"checkout_url"`
	SessionID      string `json:"session_id"`
	SubscriptionID uint64 `json:"subscription_id,omitempty"`
	PurchaseID     uint64 `json:"purchase_id,omitempty"`
}

// ActivateInput is a confirmed payment for a subscription billing period.
type ActivateInput struct {
	ExternalSubscriptionID string
	LocalSubscriptionID    uint64 // fallback when the external id is not linked yet
	PaymentTransactionID   string
	AmountPaid             int64
	Currency               string
	PeriodStart            time.Time
	PeriodEnd              time.Time // inclusive
}

// StatusView is the caller's latest subscription as shown to them.
type StatusView struct {
	SubscriptionID uint64                   `json:"subscription_id"`
	Status         model.SubscriptionStatus `json:"status"`
	StartDate      string                   `json:"start_date"`
	EndDate        string                   `json:"end_date"`
	AmountPaid     int64                    `json:"amount_paid"`
	Currency       string                   `json:"currency"`
	AutoRenew      bool                     `json:"auto_renew"`
	DaysRemaining  int                      `json:"days_remaining"`
}

// SubscriptionService drives the subscription state machine.  All status
// changes go through model.Subscription.TransitionTo inside a locked
// read-modify-write in the store.
type SubscriptionService struct {
	subs      SubscriptionStore
	customers CustomerStore
	gateway   Gateway
	events    EventPublisher
	metrics   *metrics.Collector
	cfg       SubscriptionConfig
	log       *slog.Logger
	now       func() time.Time
}

func NewSubscriptionService(subs SubscriptionStore, customers CustomerStore, gateway Gateway, events EventPublisher,
	mc *metrics.Collector, cfg SubscriptionConfig, log *slog.Logger) *SubscriptionService {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DurationMonths < 1 {
		cfg.DurationMonths = 1
	}
	if events == nil {
		events = NoopPublisher{}
	}
	return &SubscriptionService{
		subs: subs, customers: customers, gateway: gateway, events: events,
		metrics: mc, cfg: cfg, log: log, now: time.Now,
	}
}

// SetClock replaces the time source.  Tests use it to pin "today".
func (s *SubscriptionService) SetClock(now func() time.Time) { s.now = now }

// Today is the current civil date in the configured location.
func (s *SubscriptionService) Today() time.Time {
	return model.DateOf(s.now().In(s.cfg.Location))
}

// Purchase starts a subscription checkout for userID.  The pending row is
// inserted before the processor is called; if the checkout cannot be
// created the row is deleted again so the user is not blocked.
func (s *SubscriptionService) Purchase(ctx context.Context, userID uint64, priceReference string) (CheckoutHandle, error) {
	priceReference = strings.TrimSpace(priceReference)
	if priceReference == "" {
		priceReference = s.cfg.DefaultPriceID
	}
	user, err := s.customers.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return CheckoutHandle{}, ErrNotFound
	}
	if err != nil {
		return CheckoutHandle{}, fmt.Errorf("load user: %w", err)
	}

	today := s.Today()
	sub := model.Subscription{
		UserID:    userID,
		StartDate: today,
		EndDate:   today.AddDate(0, s.cfg.DurationMonths, 0),
		Currency:  s.cfg.Currency,
	}
	if priceReference != "" {
		sub.PriceReference = &priceReference
	}
	if err := s.subs.CreatePending(ctx, &sub, today); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return CheckoutHandle{}, ErrConflictingSubscription
		case errors.Is(err, repository.ErrNotFound):
			return CheckoutHandle{}, ErrNotFound
		}
		return CheckoutHandle{}, fmt.Errorf("create pending subscription: %w", err)
	}

	customerID, err := s.gateway.EnsureCustomer(ctx, user)
	if err != nil {
		return CheckoutHandle{}, s.abortPurchase(ctx, sub, priceReference, "ensure_customer", err)
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID != customerID {
		if err := s.customers.SetStripeCustomerID(ctx, userID, customerID); err != nil {
			s.log.Warn("could not persist processor customer id", "user_id", userID, "err", err)
		}
	}

	sess, err := s.gateway.CreateSubscriptionCheckout(ctx, payment.SubscriptionCheckout{
		CustomerID:          customerID,
		UserID:              userID,
		LocalSubscriptionID: sub.ID,
		PriceReference:      priceReference,
	})
	if err != nil {
		return CheckoutHandle{}, s.abortPurchase(ctx, sub, priceReference, "create_checkout", err)
	}
	s.log.Info("subscription checkout created", "user_id", userID, "subscription_id", sub.ID, "session_id", sess.ID)
	return CheckoutHandle{CheckoutURL: sess.URL, SessionID: sess.ID, SubscriptionID: sub.ID}, nil
}

// abortPurchase removes the pending row after a gateway failure and
// returns the error to hand back to the caller.
func (s *SubscriptionService) abortPurchase(ctx context.Context, sub model.Subscription, priceRef, op string, cause error) error {
	s.metrics.ObserveGatewayError(op)
	s.log.Error("payment gateway call failed", "op", op, "user_id", sub.UserID,
		"subscription_id", sub.ID, "price_reference", priceRef, "err", cause)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.subs.DeletePending(cctx, sub.ID); err != nil {
		// The stale sweep will expire it.
		s.log.Error("could not remove pending subscription", "subscription_id", sub.ID, "err", err)
	}
	return fmt.Errorf("%w: %w", ErrGateway, cause)
}

// Activate records a confirmed payment.  The row is found by external id,
// or by local id when the external id has not been linked yet (the link is
// then made in the same write).  Each transaction id is applied once: a
// redelivered event changes nothing, and a new transaction id on an ACTIVE
// row is a renewal.  Every paid cycle is kept in the payment ledger, so a
// renewal never overwrites the record of an earlier payment.
func (s *SubscriptionService) Activate(ctx context.Context, in ActivateInput) (model.Subscription, error) {
	if in.ExternalSubscriptionID == "" && in.LocalSubscriptionID == 0 {
		return model.Subscription{}, Detail(ErrNotFound, "invoice does not reference a subscription")
	}
	recorded := false
	if in.PaymentTransactionID != "" {
		var err error
		if recorded, err = s.subs.HasPayment(ctx, in.PaymentTransactionID); err != nil {
			return model.Subscription{}, fmt.Errorf("check payment ledger: %w", err)
		}
	}
	eventType := ""
	sub, err := s.subs.Mutate(ctx, repository.SubscriptionLookup{
		ID:         in.LocalSubscriptionID,
		ExternalID: in.ExternalSubscriptionID,
	}, func(sub *model.Subscription) error {
		if err := linkExternal(sub, in.ExternalSubscriptionID); err != nil {
			return err
		}
		if recorded {
			return repository.ErrNoChange
		}
		if sub.Status == model.StatusActive && sub.PaymentTransactionID != nil &&
			*sub.PaymentTransactionID == in.PaymentTransactionID {
			return repository.ErrNoChange
		}
		if sub.Status == model.StatusExpired && sub.PaymentTransactionID == nil {
			// Paid after the stale sweep expired the checkout.
			if err := sub.Reinstate(); err != nil {
				return err
			}
		}
		eventType = queue.SubscriptionActivated
		if sub.Status == model.StatusActive {
			eventType = queue.SubscriptionRenewed
		}
		if err := sub.TransitionTo(model.StatusActive); err != nil {
			return err
		}
		if !in.PeriodStart.IsZero() && !in.PeriodEnd.Before(in.PeriodStart) {
			sub.StartDate, sub.EndDate = in.PeriodStart, in.PeriodEnd
		}
		tx := in.PaymentTransactionID
		sub.PaymentTransactionID = &tx
		sub.AmountPaid = in.AmountPaid
		if in.Currency != "" {
			sub.Currency = in.Currency
		}
		return nil
	})
	if err != nil {
		return model.Subscription{}, s.transitionError("activate", in.ExternalSubscriptionID, in.LocalSubscriptionID, err)
	}
	var ledgerErr error
	if !recorded && in.PaymentTransactionID != "" && sub.PaymentTransactionID != nil &&
		*sub.PaymentTransactionID == in.PaymentTransactionID {
		// Runs on the first delivery and again on a retry after a failed
		// insert; the ledger ignores the second copy.
		if _, err := s.subs.RecordPayment(ctx, &model.SubscriptionPayment{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			TransactionID:  in.PaymentTransactionID,
			Amount:         sub.AmountPaid,
			Currency:       sub.Currency,
			PeriodStart:    sub.StartDate,
			PeriodEnd:      sub.EndDate,
		}); err != nil {
			s.log.Error("could not record subscription payment", "subscription_id", sub.ID,
				"transaction_id", in.PaymentTransactionID, "err", err)
			ledgerErr = fmt.Errorf("record subscription payment: %w", err)
		}
	}
	if eventType == "" {
		if ledgerErr != nil {
			return model.Subscription{}, ledgerErr
		}
		s.log.Info("duplicate payment confirmation ignored", "subscription_id", sub.ID, "transaction_id", in.PaymentTransactionID)
		return sub, nil
	}
	s.metrics.ObserveTransition(string(model.StatusActive))
	s.log.Info("subscription activated", "subscription_id", sub.ID, "user_id", sub.UserID,
		"renewal", eventType == queue.SubscriptionRenewed, "end_date", sub.EndDate.Format(time.DateOnly))
	publishBestEffort(ctx, s.events, s.log, queue.BillingEvent{
		Type: eventType, UserID: sub.UserID, SubscriptionID: sub.ID, Status: string(sub.Status),
		Amount: sub.AmountPaid, Currency: sub.Currency, TransactionID: in.PaymentTransactionID,
		PeriodEnd: sub.EndDate.Format(time.DateOnly),
	})
	if ledgerErr != nil {
		return model.Subscription{}, ledgerErr
	}
	return sub, nil
}

// LinkExternalID records the processor subscription id on a local row.
// Linking the same id again is a no-op; a different id is ErrLinkConflict.
func (s *SubscriptionService) LinkExternalID(ctx context.Context, localID uint64, externalID string) error {
	if localID == 0 || externalID == "" {
		return Detail(ErrNotFound, "checkout does not reference a subscription")
	}
	_, err := s.subs.Mutate(ctx, repository.SubscriptionLookup{ID: localID}, func(sub *model.Subscription) error {
		if sub.HasExternalID() && *sub.ExternalSubscriptionID == externalID {
			return repository.ErrNoChange
		}
		return linkExternal(sub, externalID)
	})
	if err != nil {
		return s.transitionError("link", externalID, localID, err)
	}
	s.log.Info("processor subscription linked", "subscription_id", localID, "external_id", externalID)
	return nil
}

// HandleFailedPayment marks the subscription PAYMENT_FAILED.  An unknown
// subscription is ignored.  CANCELLED, EXPIRED and already failed rows are
// left as they are.
func (s *SubscriptionService) HandleFailedPayment(ctx context.Context, externalID string, fallbackLocalID uint64) error {
	changed := false
	sub, err := s.subs.Mutate(ctx, repository.SubscriptionLookup{ID: fallbackLocalID, ExternalID: externalID},
		func(sub *model.Subscription) error {
			if err := linkExternal(sub, externalID); err != nil {
				return err
			}
			if sub.Status.Terminal() {
				return repository.ErrNoChange
			}
			changed = true
			return sub.TransitionTo(model.StatusPaymentFailed)
		})
	if errors.Is(err, repository.ErrNotFound) {
		s.log.Info("payment failure for unknown subscription ignored", "external_id", externalID)
		return nil
	}
	if err != nil {
		return s.transitionError("payment_failed", externalID, fallbackLocalID, err)
	}
	if !changed {
		s.log.Info("payment failure ignored", "subscription_id", sub.ID, "status", sub.Status)
		return nil
	}
	s.metrics.ObserveTransition(string(model.StatusPaymentFailed))
	s.log.Warn("subscription payment failed", "subscription_id", sub.ID, "user_id", sub.UserID)
	publishBestEffort(ctx, s.events, s.log, queue.BillingEvent{
		Type: queue.SubscriptionPaymentFailed, UserID: sub.UserID, SubscriptionID: sub.ID, Status: string(sub.Status),
	})
	return nil
}

// Cancel stops renewal of an ACTIVE subscription.  Only the owner or an
// admin may cancel.  The processor is told first; the end date stays, so
// the user keeps access until the paid period is over.
func (s *SubscriptionService) Cancel(ctx context.Context, subscriptionID uint64, requester Principal) (model.Subscription, error) {
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Subscription{}, ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, fmt.Errorf("load subscription: %w", err)
	}
	if !requester.CanActOn(sub.UserID) {
		return model.Subscription{}, ErrForbidden
	}
	if sub.EffectiveStatus(s.Today()) != model.StatusActive {
		return model.Subscription{}, Detail(ErrInvalidState, "only an active subscription can be cancelled")
	}
	if sub.HasExternalID() {
		if err := s.gateway.CancelAtPeriodEnd(ctx, *sub.ExternalSubscriptionID); err != nil {
			s.metrics.ObserveGatewayError("cancel")
			s.log.Error("payment gateway cancel failed", "subscription_id", sub.ID, "err", err)
			return model.Subscription{}, fmt.Errorf("%w: %w", ErrGateway, err)
		}
	}
	updated, err := s.subs.Mutate(ctx, repository.SubscriptionLookup{ID: sub.ID}, func(cur *model.Subscription) error {
		if cur.Status != model.StatusActive {
			return Detail(ErrInvalidState, "only an active subscription can be cancelled")
		}
		return cur.TransitionTo(model.StatusCancelled)
	})
	if err != nil {
		return model.Subscription{}, err
	}
	s.metrics.ObserveTransition(string(model.StatusCancelled))
	s.log.Info("subscription cancelled", "subscription_id", updated.ID, "by", requester.UserID)
	publishBestEffort(ctx, s.events, s.log, queue.BillingEvent{
		Type: queue.SubscriptionCancelled, UserID: updated.UserID, SubscriptionID: updated.ID,
		Status: string(updated.Status), PeriodEnd: updated.EndDate.Format(time.DateOnly),
	})
	return updated, nil
}

// IsEligible reports whether the user may take meals on date.
func (s *SubscriptionService) IsEligible(ctx context.Context, userID uint64, date time.Time) (bool, error) {
	return s.subs.HasUsable(ctx, userID, model.DateOf(date))
}

// MyStatus returns the user's most recent subscription with lazy expiry
// applied.
func (s *SubscriptionService) MyStatus(ctx context.Context, userID uint64) (StatusView, error) {
	sub, err := s.subs.LatestByUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return StatusView{}, Detail(ErrNotFound, "no subscription found")
	}
	if err != nil {
		return StatusView{}, err
	}
	today := s.Today()
	status := sub.EffectiveStatus(today)
	v := StatusView{
		SubscriptionID: sub.ID,
		Status:         status,
		StartDate:      sub.StartDate.Format(time.DateOnly),
		EndDate:        sub.EndDate.Format(time.DateOnly),
		AmountPaid:     sub.AmountPaid,
		Currency:       sub.Currency,
		AutoRenew:      status == model.StatusActive,
	}
	if status == model.StatusActive || status == model.StatusCancelled {
		if days := int(sub.EndDate.Sub(today).Hours()/24) + 1; days > 0 {
			v.DaysRemaining = days
		}
	}
	return v, nil
}

// List returns one page of subscriptions for the admin view, optionally
// narrowed to one stored status.
func (s *SubscriptionService) List(ctx context.Context, status string, pr repository.PageRequest) (repository.Page[model.Subscription], error) {
	st := model.SubscriptionStatus(strings.ToUpper(strings.TrimSpace(status)))
	if st != "" && !st.Valid() {
		return repository.Page[model.Subscription]{}, validation.Errors{
			"status": errors.New("must be one of PENDING_PAYMENT, ACTIVE, CANCELLED, EXPIRED, PAYMENT_FAILED"),
		}
	}
	return s.subs.List(ctx, repository.SubscriptionFilter{Status: st}, pr)
}

// ExpireStalePending expires checkouts that were abandoned long enough ago
// that the processor can no longer complete them.
func (s *SubscriptionService) ExpireStalePending(ctx context.Context) (int64, error) {
	ttl := s.cfg.PendingTTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	n, err := s.subs.ExpireStalePending(ctx, s.now().Add(-(ttl + sweepGrace)))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("stale pending subscriptions expired", "count", n)
		publishBestEffort(ctx, s.events, s.log, queue.BillingEvent{Type: queue.SubscriptionExpired, Status: string(model.StatusExpired), Count: n})
	}
	return n, nil
}

// linkExternal sets the processor id on an unlinked row and rejects a row
// already linked to a different id.
func linkExternal(sub *model.Subscription, externalID string) error {
	if externalID == "" {
		return nil
	}
	if !sub.HasExternalID() {
		id := externalID
		sub.ExternalSubscriptionID = &id
		return nil
	}
	if *sub.ExternalSubscriptionID != externalID {
		return fmt.Errorf("%w: local %d has %s, event has %s", ErrLinkConflict, sub.ID, *sub.ExternalSubscriptionID, externalID)
	}
	return nil
}

// transitionError maps store and state-machine failures and logs the
// domain ones.
func (s *SubscriptionService) transitionError(op, externalID string, localID uint64, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.log.Warn("subscription not found", "op", op, "external_id", externalID, "local_id", localID)
		return ErrNotFound
	case errors.Is(err, ErrLinkConflict):
		s.log.Error("subscription link conflict", "op", op, "external_id", externalID, "local_id", localID, "err", err)
		return err
	case errors.Is(err, model.ErrInvalidTransition):
		s.log.Warn("subscription transition rejected", "op", op, "external_id", externalID, "local_id", localID, "err", err)
		return err
	}
	return fmt.Errorf("%s subscription: %w", op, err)
}
