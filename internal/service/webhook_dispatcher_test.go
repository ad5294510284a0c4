package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/iliyamo/mess-backend/internal/metrics"
	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/payment"
)

const whSecret = "whsec_dispatch"

func signed(payload string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    whSecret,
		Timestamp: time.Now(),
	}).Header
}

type dispatchFixture struct {
	d         *WebhookDispatcher
	subs      *memSubs
	purchases *memPurchases
	metrics   *metrics.Collector
	sub       subFixture
}

func newDispatchFixture(t *testing.T) dispatchFixture {
	t.Helper()
	sf := newSubFixture(t, time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC))
	purchases := newMemPurchases()
	ps := NewPurchaseService(purchases, newMemMenu(), sf.users, sf.gateway, sf.events, sf.metrics, "inr", discardLogger())
	d := NewWebhookDispatcher(payment.NewWebhookVerifier(whSecret, time.UTC), sf.svc, ps, sf.metrics, discardLogger())
	return dispatchFixture{d: d, subs: sf.subs, purchases: purchases, metrics: sf.metrics, sub: sf}
}

func (f dispatchFixture) deliver(payload string) error {
	return f.d.Dispatch(context.Background(), []byte(payload), signed(payload))
}

func checkoutSubscription(localID uint64, ext string) string {
	return fmt.Sprintf(`{"id":"evt_c%d","type":"checkout.session.completed","data":{"object":{
		"id":"cs_1","object":"checkout.session","mode":"subscription","subscription":%q,
		"metadata":{"app_user_id":"1","local_subscription_id":"%d"}}}}`, localID, ext, localID)
}

// 2025-03-01T00:00:00Z .. 2025-04-01T00:00:00Z
func invoicePaid(ext string, localID uint64, pi string) string {
	return fmt.Sprintf(`{"id":"evt_i_%s","type":"invoice.paid","data":{"object":{
		"id":"in_1","object":"invoice","amount_paid":300000,"currency":"inr",
		"subscription":%q,"payment_intent":%q,
		"subscription_details":{"metadata":{"local_subscription_id":"%d"}},
		"lines":{"data":[{"period":{"start":1740787200,"end":1743465600}}]}}}}`, pi, ext, pi, localID)
}

func invoiceFailed(ext string) string {
	return fmt.Sprintf(`{"id":"evt_f","type":"invoice.payment_failed","data":{"object":{
		"id":"in_2","object":"invoice","amount_paid":0,"currency":"inr",
		"parent":{"subscription_details":{"subscription":{"id":%q}}}}}}`, ext)
}

func TestDispatch_RejectsBadSignature(t *testing.T) {
	f := newDispatchFixture(t)
	payload := invoicePaid("sub_1", 0, "pi_1")

	err := f.d.Dispatch(context.Background(), []byte(payload), "t=1,v1=bad")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebhookEvents.WithLabelValues("unknown", outcomeRejected)))
}

func TestDispatch_CheckoutThenInvoice(t *testing.T) {
	f := newDispatchFixture(t)
	h, err := f.sub.svc.Purchase(context.Background(), f.sub.user.ID, "P1")
	require.NoError(t, err)

	require.NoError(t, f.deliver(checkoutSubscription(h.SubscriptionID, "sub_live")))
	require.NoError(t, f.deliver(invoicePaid("sub_live", 0, "pi_1")))

	got := f.subs.get(h.SubscriptionID)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, day(2025, 3, 1), got.StartDate)
	assert.Equal(t, day(2025, 3, 31), got.EndDate)
	assert.Equal(t, "pi_1", *got.PaymentTransactionID)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.WebhookEvents.WithLabelValues("checkout.session.completed", outcomeProcessed))+
		testutil.ToFloat64(f.metrics.WebhookEvents.WithLabelValues("invoice.paid", outcomeProcessed)))
}

func TestDispatch_InvoiceBeforeCheckout(t *testing.T) {
	f := newDispatchFixture(t)
	h, err := f.sub.svc.Purchase(context.Background(), f.sub.user.ID, "P1")
	require.NoError(t, err)

	require.NoError(t, f.deliver(invoicePaid("sub_live", h.SubscriptionID, "pi_1")))
	require.NoError(t, f.deliver(checkoutSubscription(h.SubscriptionID, "sub_live")))

	got := f.subs.get(h.SubscriptionID)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, "sub_live", *got.ExternalSubscriptionID)
}

func TestDispatch_RedeliveryIsHarmless(t *testing.T) {
	f := newDispatchFixture(t)
	h, err := f.sub.svc.Purchase(context.Background(), f.sub.user.ID, "P1")
	require.NoError(t, err)
	require.NoError(t, f.deliver(checkoutSubscription(h.SubscriptionID, "sub_live")))

	payload := invoicePaid("sub_live", 0, "pi_1")
	require.NoError(t, f.deliver(payload))
	first := f.subs.get(h.SubscriptionID)
	require.NoError(t, f.deliver(payload))
	assert.Equal(t, first, f.subs.get(h.SubscriptionID))
}

func TestDispatch_LatePaymentAfterSweepActivates(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	h, err := f.sub.svc.Purchase(ctx, f.sub.user.ID, "P1")
	require.NoError(t, err)

	f.sub.svc.SetClock(func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) })
	n, err := f.sub.svc.ExpireStalePending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, f.deliver(checkoutSubscription(h.SubscriptionID, "sub_live")))
	require.NoError(t, f.deliver(invoicePaid("sub_live", h.SubscriptionID, "pi_late")))

	got := f.subs.get(h.SubscriptionID)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, "pi_late", *got.PaymentTransactionID)
	assert.Len(t, f.subs.ledger(), 1)
}

func TestDispatch_PaymentFailed(t *testing.T) {
	f := newDispatchFixture(t)
	s := f.sub.active(day(2025, 3, 1), day(2025, 3, 31), "sub_1")

	require.NoError(t, f.deliver(invoiceFailed("sub_1")))
	assert.Equal(t, model.StatusPaymentFailed, f.subs.get(s.ID).Status)

	// Then a new purchase goes through.
	_, err := f.sub.svc.Purchase(context.Background(), f.sub.user.ID, "P1")
	assert.NoError(t, err)
}

func TestDispatch_DomainErrorsAcknowledged(t *testing.T) {
	f := newDispatchFixture(t)

	// Unknown subscription.
	assert.NoError(t, f.deliver(invoicePaid("sub_ghost", 0, "pi_1")))

	// Activation of a paid terminal row.
	f.sub.subs.put(model.Subscription{
		UserID: f.sub.user.ID, Status: model.StatusExpired, ExternalSubscriptionID: strp("sub_old"),
		PaymentTransactionID: strp("pi_0"), StartDate: day(2025, 1, 1), EndDate: day(2025, 1, 31),
	})
	assert.NoError(t, f.deliver(invoicePaid("sub_old", 0, "pi_2")))

	// Link conflict.
	s := f.sub.active(day(2025, 3, 1), day(2025, 3, 31), "sub_a")
	assert.NoError(t, f.deliver(checkoutSubscription(s.ID, "sub_b")))
	assert.Equal(t, "sub_a", *f.subs.get(s.ID).ExternalSubscriptionID)
}

func TestDispatch_UnknownTypeAndMalformedAcknowledged(t *testing.T) {
	f := newDispatchFixture(t)

	assert.NoError(t, f.deliver(`{"id":"evt_x","type":"customer.created","data":{"object":{"id":"cus_1"}}}`))
	assert.NoError(t, f.deliver(`{"id":"evt_y","type":"invoice.paid","data":{"object":{"id":"in_1","amount_paid":"lots"}}}`))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebhookEvents.WithLabelValues("customer.created", outcomeIgnored)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebhookEvents.WithLabelValues("invoice.paid", outcomeIgnored)))
}

func TestDispatch_StoreOutageAsksForRetry(t *testing.T) {
	f := newDispatchFixture(t)
	f.subs.err = errors.New("connection refused")

	err := f.deliver(invoicePaid("sub_1", 0, "pi_1"))
	require.Error(t, err)
	assert.False(t, isDomainOutcome(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebhookEvents.WithLabelValues("invoice.paid", outcomeFailed)))
}

func TestDispatch_PaymentCheckoutConfirmsPurchase(t *testing.T) {
	f := newDispatchFixture(t)
	p := model.Purchase{UserID: f.sub.user.ID, MenuItemID: 1, Quantity: 2, TotalAmount: 8000, Currency: "inr"}
	require.NoError(t, f.purchases.Create(context.Background(), &p))

	payload := fmt.Sprintf(`{"id":"evt_p","type":"checkout.session.completed","data":{"object":{
		"id":"cs_9","object":"checkout.session","mode":"payment","payment_intent":"pi_9",
		"metadata":{"app_user_id":"1","purchase_id":"%d"}}}}`, p.ID)
	require.NoError(t, f.deliver(payload))
	require.NoError(t, f.deliver(payload))

	got, err := f.purchases.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, got.Confirmed())
	assert.Equal(t, "pi_9", *got.PaymentTransactionID)
}
