// Package payment adapts the Stripe API to the operations the billing
// services need.  Nothing outside this package imports stripe-go types.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/iliyamo/mess-backend/internal/model"
)

// ErrGateway wraps every failure talking to the processor.
var ErrGateway = errors.New("payment gateway error")

// Metadata keys attached to processor objects.  Webhook parsing reads the
// same keys back.
const (
	MetaUserID         = "app_user_id"
	MetaSubscriptionID = "local_subscription_id"
	MetaPurchaseID     = "purchase_id"
)

// Config configures a StripeGateway.  APIURL overrides the API base URL
// (used by tests); Timeout bounds every outbound call.
type Config struct {
	SecretKey       string
	APIURL          string
	Timeout         time.Duration
	Currency        string
	FrontendBaseURL string
	MonthlyAmount   int64 // used when a checkout carries no price reference
	DurationMonths  int
	// CheckoutTTL is how long a checkout session stays payable.  Stripe
	// accepts 30 minutes to 24 hours; values outside are clamped.
	CheckoutTTL time.Duration
}

const (
	minCheckoutTTL = 30 * time.Minute
	maxCheckoutTTL = 24 * time.Hour
)

// Session is a created checkout session.
type Session struct {
	ID  string
	URL string
}

// SubscriptionCheckout describes a recurring-plan checkout.
type SubscriptionCheckout struct {
	CustomerID          string
	UserID              uint64
	LocalSubscriptionID uint64
	PriceReference      string // processor price id; empty uses the configured amount
}

// OneTimeCheckout describes a single dish purchase checkout.
type OneTimeCheckout struct {
	CustomerID string
	UserID     uint64
	PurchaseID uint64
	ItemName   string
	UnitAmount int64
	Quantity   int64
}

// StripeGateway talks to Stripe through per-resource clients bound to one
// backend.  It holds no global state, so several gateways with different
// keys can coexist.
type StripeGateway struct {
	cfg       Config
	customers *customer.Client
	sessions  *session.Client
	subs      *subscription.Client
}

// NewStripeGateway builds a gateway from cfg.
func NewStripeGateway(cfg Config) *StripeGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "inr"
	}
	if cfg.DurationMonths < 1 {
		cfg.DurationMonths = 1
	}
	switch {
	case cfg.CheckoutTTL <= 0:
		cfg.CheckoutTTL = 2 * time.Hour
	case cfg.CheckoutTTL < minCheckoutTTL:
		cfg.CheckoutTTL = minCheckoutTTL
	case cfg.CheckoutTTL > maxCheckoutTTL:
		cfg.CheckoutTTL = maxCheckoutTTL
	}
	bc := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(1),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		bc.URL = stripe.String(strings.TrimRight(cfg.APIURL, "/"))
	}
	b := stripe.GetBackendWithConfig(stripe.APIBackend, bc)
	return &StripeGateway{
		cfg:       cfg,
		customers: &customer.Client{B: b, Key: cfg.SecretKey},
		sessions:  &session.Client{B: b, Key: cfg.SecretKey},
		subs:      &subscription.Client{B: b, Key: cfg.SecretKey},
	}
}

// EnsureCustomer returns the user's stored customer id, or creates a
// customer when there is none.  Persisting a new id is the caller's job.
func (g *StripeGateway) EnsureCustomer(ctx context.Context, u model.User) (string, error) {
	if u.StripeCustomerID != nil && *u.StripeCustomerID != "" {
		return *u.StripeCustomerID, nil
	}
	params := &stripe.CustomerParams{
		Email: stripe.String(u.Email),
		Name:  stripe.String(u.Name),
		Metadata: map[string]string{
			MetaUserID: strconv.FormatUint(u.ID, 10),
		},
	}
	params.Context = ctx
	c, err := g.customers.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: create customer: %v", ErrGateway, err)
	}
	return c.ID, nil
}

// CreateSubscriptionCheckout opens a subscription-mode checkout session.
// The local subscription id is stored in the session metadata and in the
// subscription's own metadata so every later invoice can be traced back.
func (g *StripeGateway) CreateSubscriptionCheckout(ctx context.Context, in SubscriptionCheckout) (Session, error) {
	meta := map[string]string{
		MetaUserID:         strconv.FormatUint(in.UserID, 10),
		MetaSubscriptionID: strconv.FormatUint(in.LocalSubscriptionID, 10),
	}
	item := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(1)}
	if in.PriceReference != "" {
		item.Price = stripe.String(in.PriceReference)
	} else {
		item.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(g.cfg.Currency),
			UnitAmount: stripe.Int64(g.cfg.MonthlyAmount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String("Mess subscription"),
			},
			Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
				Interval:      stripe.String(string(stripe.PriceRecurringIntervalMonth)),
				IntervalCount: stripe.Int64(int64(g.cfg.DurationMonths)),
			},
		}
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(in.CustomerID),
		ClientReferenceID: stripe.String(strconv.FormatUint(in.LocalSubscriptionID, 10)),
		SuccessURL:        stripe.String(g.cfg.FrontendBaseURL + "/subscription/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(g.cfg.FrontendBaseURL + "/subscription/cancelled"),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{item},
		Metadata:          meta,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
		ExpiresAt: g.expiresAt(),
	}
	params.Context = ctx
	s, err := g.sessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("%w: create subscription checkout: %v", ErrGateway, err)
	}
	return Session{ID: s.ID, URL: s.URL}, nil
}

// expiresAt is the unix time after which a new session can no longer be
// paid.  The stale-checkout sweep relies on this bound.
func (g *StripeGateway) expiresAt() *int64 {
	return stripe.Int64(time.Now().Add(g.cfg.CheckoutTTL).Unix())
}

// CreateOneTimeCheckout opens a payment-mode checkout session for a dish.
func (g *StripeGateway) CreateOneTimeCheckout(ctx context.Context, in OneTimeCheckout) (Session, error) {
	meta := map[string]string{
		MetaUserID:     strconv.FormatUint(in.UserID, 10),
		MetaPurchaseID: strconv.FormatUint(in.PurchaseID, 10),
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(strconv.FormatUint(in.PurchaseID, 10)),
		SuccessURL:        stripe.String(g.cfg.FrontendBaseURL + "/purchases/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(g.cfg.FrontendBaseURL + "/purchases/cancelled"),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(in.Quantity),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(g.cfg.Currency),
				UnitAmount: stripe.Int64(in.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(in.ItemName),
				},
			},
		}},
		Metadata: meta,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: meta,
		},
		ExpiresAt: g.expiresAt(),
	}
	if in.CustomerID != "" {
		params.Customer = stripe.String(in.CustomerID)
	}
	params.Context = ctx
	s, err := g.sessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("%w: create payment checkout: %v", ErrGateway, err)
	}
	return Session{ID: s.ID, URL: s.URL}, nil
}

// CancelAtPeriodEnd asks the processor to stop renewing the subscription.
// The customer keeps access until the paid period ends.
func (g *StripeGateway) CancelAtPeriodEnd(ctx context.Context, externalID string) error {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	if _, err := g.subs.Update(externalID, params); err != nil {
		return fmt.Errorf("%w: cancel subscription %s: %v", ErrGateway, externalID, err)
	}
	return nil
}
