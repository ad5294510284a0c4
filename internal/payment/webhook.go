package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/iliyamo/mess-backend/internal/model"
)

// ErrSignature is returned when a webhook payload fails verification.
var ErrSignature = errors.New("webhook signature verification failed")

// ErrPayload is returned when a verified event cannot be decoded.
var ErrPayload = errors.New("malformed webhook payload")

// Event types the dispatcher acts on.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	CheckoutModeSubscription  = "subscription"
	CheckoutModePayment       = "payment"
)

// Event is a verified processor event reduced to the fields the billing
// services use.  At most one of Checkout and Invoice is set.
type Event struct {
	ID       string
	Type     string
	Checkout *CheckoutCompleted
	Invoice  *InvoiceEvent
}

// CheckoutCompleted carries a finished checkout session.
type CheckoutCompleted struct {
	SessionID              string
	Mode                   string
	UserID                 uint64
	LocalSubscriptionID    uint64 // subscription mode
	ExternalSubscriptionID string // subscription mode
	PurchaseID             uint64 // payment mode
	PaymentTransactionID   string // payment mode
}

// InvoiceEvent carries a paid or failed invoice for a subscription.  The
// period is already converted to inclusive civil dates.
type InvoiceEvent struct {
	InvoiceID              string
	ExternalSubscriptionID string
	LocalSubscriptionID    uint64
	PaymentTransactionID   string
	AmountPaid             int64
	Currency               string
	PeriodStart            time.Time
	PeriodEnd              time.Time
}

// WebhookVerifier checks signatures and decodes events.  Loc is the
// timezone in which billing periods are turned into dates.
type WebhookVerifier struct {
	secret string
	loc    *time.Location
}

// NewWebhookVerifier returns a verifier for the endpoint secret.
func NewWebhookVerifier(secret string, loc *time.Location) *WebhookVerifier {
	if loc == nil {
		loc = time.UTC
	}
	return &WebhookVerifier{secret: secret, loc: loc}
}

// Parse verifies payload against the Stripe-Signature header and decodes
// the events the services care about.  Other event types come back with
// only ID and Type set.
func (v *WebhookVerifier) Parse(payload []byte, sigHeader string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data == nil {
		return out, nil
	}
	switch out.Type {
	case EventCheckoutCompleted:
		c, err := decodeCheckout(ev.Data.Raw)
		if err != nil {
			return out, err
		}
		out.Checkout = c
	case EventInvoicePaid, EventInvoicePaymentFailed:
		inv, err := v.decodeInvoice(ev.Data.Raw)
		if err != nil {
			return out, err
		}
		out.Invoice = inv
	}
	return out, nil
}

func decodeCheckout(raw json.RawMessage) (*CheckoutCompleted, error) {
	var s stripe.CheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: checkout session: %v", ErrPayload, err)
	}
	c := &CheckoutCompleted{
		SessionID: s.ID,
		Mode:      string(s.Mode),
		UserID:    parseID(s.Metadata[MetaUserID]),
	}
	switch c.Mode {
	case CheckoutModeSubscription:
		c.LocalSubscriptionID = parseID(s.Metadata[MetaSubscriptionID])
		if c.LocalSubscriptionID == 0 {
			c.LocalSubscriptionID = parseID(s.ClientReferenceID)
		}
		if s.Subscription != nil {
			c.ExternalSubscriptionID = s.Subscription.ID
		}
	case CheckoutModePayment:
		c.PurchaseID = parseID(s.Metadata[MetaPurchaseID])
		if c.PurchaseID == 0 {
			c.PurchaseID = parseID(s.ClientReferenceID)
		}
		c.PaymentTransactionID = s.ID
		if s.PaymentIntent != nil && s.PaymentIntent.ID != "" {
			c.PaymentTransactionID = s.PaymentIntent.ID
		}
	}
	return c, nil
}

// expandableID accepts either a bare id string or an expanded object with
// an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type invoicePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type subscriptionDetails struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// invoicePayload covers both the legacy invoice shape (top-level
// subscription and payment_intent) and the newer one where the
// subscription moved under parent.subscription_details.
type invoicePayload struct {
	ID                  string               `json:"id"`
	AmountPaid          int64                `json:"amount_paid"`
	AmountDue           int64                `json:"amount_due"`
	Currency            string               `json:"currency"`
	Subscription        expandableID         `json:"subscription"`
	PaymentIntent       expandableID         `json:"payment_intent"`
	Charge              expandableID         `json:"charge"`
	PeriodStart         int64                `json:"period_start"`
	PeriodEnd           int64                `json:"period_end"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period invoicePeriod `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (v *WebhookVerifier) decodeInvoice(raw json.RawMessage) (*InvoiceEvent, error) {
	var p invoicePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", ErrPayload, err)
	}
	inv := &InvoiceEvent{
		InvoiceID:              p.ID,
		ExternalSubscriptionID: string(p.Subscription),
		AmountPaid:             p.AmountPaid,
		Currency:               p.Currency,
	}
	var meta map[string]string
	if p.SubscriptionDetails != nil {
		meta = p.SubscriptionDetails.Metadata
	}
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		if inv.ExternalSubscriptionID == "" {
			inv.ExternalSubscriptionID = string(p.Parent.SubscriptionDetails.Subscription)
		}
		if meta == nil {
			meta = p.Parent.SubscriptionDetails.Metadata
		}
	}
	inv.LocalSubscriptionID = parseID(meta[MetaSubscriptionID])

	switch {
	case p.PaymentIntent != "":
		inv.PaymentTransactionID = string(p.PaymentIntent)
	case p.Charge != "":
		inv.PaymentTransactionID = string(p.Charge)
	default:
		inv.PaymentTransactionID = p.ID
	}

	start, end := p.PeriodStart, p.PeriodEnd
	if len(p.Lines.Data) > 0 && p.Lines.Data[0].Period.End > 0 {
		start, end = p.Lines.Data[0].Period.Start, p.Lines.Data[0].Period.End
	}
	if start > 0 && end > start {
		inv.PeriodStart, inv.PeriodEnd = v.periodDates(start, end)
	}
	return inv, nil
}

// periodDates converts a processor billing period [start, end) in unix
// seconds to inclusive civil dates.  A period ending exactly at midnight
// ends on the previous day.
func (v *WebhookVerifier) periodDates(start, end int64) (time.Time, time.Time) {
	s := model.DateOf(time.Unix(start, 0).In(v.loc))
	e := model.DateOf(time.Unix(end-1, 0).In(v.loc))
	if e.Before(s) {
		e = s
	}
	return s, e
}

func parseID(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
