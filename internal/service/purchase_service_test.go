package service

import (
	"context"
	"errors"
	"testing"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/queue"
	"github.com/iliyamo/mess-backend/internal/repository"
)

type purchaseFixture struct {
	svc       *PurchaseService
	purchases *memPurchases
	menu      *memMenu
	gateway   *fakeGateway
	events    *recordingPublisher
	user      model.User
	dish      model.MenuItem
}

func newPurchaseFixture(t *testing.T) purchaseFixture {
	t.Helper()
	users := newMemUsers()
	u := users.add(model.User{Email: "p@x.com", Role: model.RoleStudent})
	menu := newMemMenu()
	dish := model.MenuItem{DayOfWeek: 1, MealType: model.MealLunch, Name: "Thali", Price: 12000, Available: true}
	require.NoError(t, menu.Create(context.Background(), &dish))
	purchases := newMemPurchases()
	gw := &fakeGateway{}
	events := &recordingPublisher{}
	svc := NewPurchaseService(purchases, menu, users, gw, events, nil, "inr", discardLogger())
	return purchaseFixture{svc: svc, purchases: purchases, menu: menu, gateway: gw, events: events, user: u, dish: dish}
}

func TestPurchaseCreate(t *testing.T) {
	f := newPurchaseFixture(t)

	h, err := f.svc.Create(context.Background(), f.user.ID, PurchaseInput{MenuItemID: f.dish.ID, Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.test/pay", h.CheckoutURL)
	require.NotZero(t, h.PurchaseID)

	p, err := f.purchases.GetByID(context.Background(), h.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, int64(36000), p.TotalAmount)
	assert.Equal(t, "cs_pay", *p.CheckoutSessionID)
	assert.False(t, p.Confirmed())

	require.Len(t, f.gateway.oneTimes, 1)
	assert.Equal(t, int64(12000), f.gateway.oneTimes[0].UnitAmount)
	assert.Equal(t, int64(3), f.gateway.oneTimes[0].Quantity)
	assert.Equal(t, h.PurchaseID, f.gateway.oneTimes[0].PurchaseID)
}

func TestPurchaseCreate_Validation(t *testing.T) {
	f := newPurchaseFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, f.user.ID, PurchaseInput{MenuItemID: f.dish.ID, Quantity: 0})
	var verrs validation.Errors
	require.True(t, errors.As(err, &verrs))
	assert.Contains(t, verrs, "quantity")

	_, err = f.svc.Create(ctx, f.user.ID, PurchaseInput{MenuItemID: f.dish.ID, Quantity: 21})
	require.True(t, errors.As(err, &verrs))

	_, err = f.svc.Create(ctx, f.user.ID, PurchaseInput{MenuItemID: 404, Quantity: 1})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.menu.SetAvailable(ctx, f.dish.ID, false))
	_, err = f.svc.Create(ctx, f.user.ID, PurchaseInput{MenuItemID: f.dish.ID, Quantity: 1})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPurchaseCreate_GatewayFailureRemovesRow(t *testing.T) {
	f := newPurchaseFixture(t)
	f.gateway.checkoutErr = errors.New("down")

	_, err := f.svc.Create(context.Background(), f.user.ID, PurchaseInput{MenuItemID: f.dish.ID, Quantity: 1})
	assert.ErrorIs(t, err, ErrGateway)
	list, err := f.svc.ListMine(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPurchaseConfirm_Idempotent(t *testing.T) {
	f := newPurchaseFixture(t)
	ctx := context.Background()
	h, err := f.svc.Create(ctx, f.user.ID, PurchaseInput{MenuItemID: f.dish.ID, Quantity: 1})
	require.NoError(t, err)

	require.NoError(t, f.svc.Confirm(ctx, h.PurchaseID, "pi_1"))
	require.NoError(t, f.svc.Confirm(ctx, h.PurchaseID, "pi_2"))

	p, err := f.purchases.GetByID(ctx, h.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, "pi_1", *p.PaymentTransactionID)
	require.NotNil(t, p.ConfirmedAt)
	assert.WithinDuration(t, time.Now(), *p.ConfirmedAt, time.Minute)
	assert.Equal(t, []string{queue.PurchaseConfirmed}, f.events.types())

	assert.ErrorIs(t, f.svc.Confirm(ctx, 999, "pi_3"), ErrNotFound)
	assert.ErrorIs(t, f.svc.Confirm(ctx, 0, "pi_3"), ErrNotFound)
}

func TestPurchaseHistoryAndListAll(t *testing.T) {
	f := newPurchaseFixture(t)
	ctx := context.Background()
	var ids []uint64
	for range 3 {
		h, err := f.svc.Create(ctx, f.user.ID, PurchaseInput{MenuItemID: f.dish.ID, Quantity: 1})
		require.NoError(t, err)
		ids = append(ids, h.PurchaseID)
	}
	require.NoError(t, f.svc.Confirm(ctx, ids[0], "pi_1"))

	page, err := f.svc.History(ctx, f.user.ID, repository.PageRequest{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[2], page.Items[0].ID)

	page, err = f.svc.History(ctx, f.user.ID, repository.PageRequest{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, ids[0], page.Items[0].ID)

	confirmed, err := f.svc.ListAll(ctx, PurchaseQuery{Status: "Confirmed"}, repository.PageRequest{})
	require.NoError(t, err)
	require.Len(t, confirmed.Items, 1)
	assert.Equal(t, ids[0], confirmed.Items[0].ID)
	assert.Equal(t, repository.DefaultPageSize, confirmed.PageSize)

	pending, err := f.svc.ListAll(ctx, PurchaseQuery{UserID: f.user.ID, Status: "pending"}, repository.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending.Total)

	other, err := f.svc.ListAll(ctx, PurchaseQuery{UserID: 999}, repository.PageRequest{})
	require.NoError(t, err)
	assert.Empty(t, other.Items)

	_, err = f.svc.ListAll(ctx, PurchaseQuery{Status: "refunded"}, repository.PageRequest{})
	var verrs validation.Errors
	require.True(t, errors.As(err, &verrs))
	assert.Contains(t, verrs, "status")
}
