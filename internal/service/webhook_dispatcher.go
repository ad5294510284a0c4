package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/iliyamo/mess-backend/internal/metrics"
	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/payment"
)

// EventVerifier authenticates and decodes processor callbacks.
type EventVerifier interface {
	Parse(payload []byte, sigHeader string) (payment.Event, error)
}

// SubscriptionEvents are the state-machine operations webhooks drive.
type SubscriptionEvents interface {
	LinkExternalID(ctx context.Context, localID uint64, externalID string) error
	Activate(ctx context.Context, in ActivateInput) (model.Subscription, error)
	HandleFailedPayment(ctx context.Context, externalID string, fallbackLocalID uint64) error
}

// PurchaseConfirmer records the payment of a one-time purchase.
type PurchaseConfirmer interface {
	Confirm(ctx context.Context, purchaseID uint64, transactionID string) error
}

// Webhook outcomes, used as a metric label.
const (
	outcomeProcessed = "processed"
	outcomeIgnored   = "ignored"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

// WebhookDispatcher is the single entry point for processor callbacks.
type WebhookDispatcher struct {
	verifier  EventVerifier
	subs      SubscriptionEvents
	purchases PurchaseConfirmer
	metrics   *metrics.Collector
	log       *slog.Logger
}

func NewWebhookDispatcher(v EventVerifier, subs SubscriptionEvents, purchases PurchaseConfirmer, mc *metrics.Collector, log *slog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{verifier: v, subs: subs, purchases: purchases, metrics: mc, log: log}
}

// Dispatch verifies and routes one callback.  It returns
// ErrSignatureInvalid for a payload that fails verification, nil once the
// event is handled or deliberately ignored, and any other error only when
// the failure is transient and a redelivery could succeed.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, payload []byte, sigHeader string) error {
	ev, err := d.verifier.Parse(payload, sigHeader)
	switch {
	case errors.Is(err, payment.ErrSignature):
		d.metrics.ObserveWebhook("unknown", outcomeRejected)
		d.log.Warn("webhook signature rejected", "err", err)
		return ErrSignatureInvalid
	case errors.Is(err, payment.ErrPayload):
		// Verified but undecodable: a retry would fail the same way.
		d.metrics.ObserveWebhook(ev.Type, outcomeIgnored)
		d.log.Error("webhook payload malformed", "event_id", ev.ID, "type", ev.Type, "err", err)
		return nil
	case err != nil:
		return err
	}

	log := d.log.With("event_id", ev.ID, "type", ev.Type)
	log.Info("webhook received")

	handled, err := d.route(ctx, ev)
	switch {
	case err == nil && handled:
		d.metrics.ObserveWebhook(ev.Type, outcomeProcessed)
		return nil
	case err == nil:
		d.metrics.ObserveWebhook(ev.Type, outcomeIgnored)
		log.Debug("webhook event ignored")
		return nil
	case isDomainOutcome(err):
		d.metrics.ObserveWebhook(ev.Type, outcomeIgnored)
		log.Warn("webhook event not applied", "err", err)
		return nil
	default:
		d.metrics.ObserveWebhook(ev.Type, outcomeFailed)
		log.Error("webhook event failed", "err", err)
		return err
	}
}

func (d *WebhookDispatcher) route(ctx context.Context, ev payment.Event) (bool, error) {
	switch ev.Type {
	case payment.EventCheckoutCompleted:
		c := ev.Checkout
		if c == nil {
			return false, nil
		}
		switch c.Mode {
		case payment.CheckoutModeSubscription:
			return true, d.subs.LinkExternalID(ctx, c.LocalSubscriptionID, c.ExternalSubscriptionID)
		case payment.CheckoutModePayment:
			return true, d.purchases.Confirm(ctx, c.PurchaseID, c.PaymentTransactionID)
		}
	case payment.EventInvoicePaid:
		inv := ev.Invoice
		if inv == nil {
			return false, nil
		}
		_, err := d.subs.Activate(ctx, ActivateInput{
			ExternalSubscriptionID: inv.ExternalSubscriptionID,
			LocalSubscriptionID:    inv.LocalSubscriptionID,
			PaymentTransactionID:   inv.PaymentTransactionID,
			AmountPaid:             inv.AmountPaid,
			Currency:               inv.Currency,
			PeriodStart:            inv.PeriodStart,
			PeriodEnd:              inv.PeriodEnd,
		})
		return true, err
	case payment.EventInvoicePaymentFailed:
		inv := ev.Invoice
		if inv == nil {
			return false, nil
		}
		return true, d.subs.HandleFailedPayment(ctx, inv.ExternalSubscriptionID, inv.LocalSubscriptionID)
	}
	return false, nil
}

// isDomainOutcome reports errors that describe the event itself rather
// than the system's health.  Redelivery would not change them.
func isDomainOutcome(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrLinkConflict, ErrInvalidState, ErrConflict, ErrValidation, model.ErrInvalidTransition,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
