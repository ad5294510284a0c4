package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/payment"
	"github.com/iliyamo/mess-backend/internal/queue"
	"github.com/iliyamo/mess-backend/internal/repository"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func strp(s string) *string { return &s }

// memUsers is an in-memory identity store.
type memUsers struct {
	mu     sync.Mutex
	byID   map[uint64]model.User
	nextID uint64
	err    error
}

func newMemUsers() *memUsers { return &memUsers{byID: map[uint64]model.User{}} }

func (m *memUsers) Create(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, existing := range m.byID {
		switch {
		case existing.Email == u.Email:
			return &repository.DuplicateError{Key: "uq_users_email"}
		case existing.Mobile == u.Mobile:
			return &repository.DuplicateError{Key: "uq_users_mobile"}
		case existing.MemberID != nil && u.MemberID != nil && *existing.MemberID == *u.MemberID:
			return &repository.DuplicateError{Key: "uq_users_member_id"}
		}
	}
	m.nextID++
	u.ID = m.nextID
	u.CreatedAt = time.Now()
	m.byID[u.ID] = *u
	return nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return model.User{}, m.err
	}
	for _, u := range m.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (m *memUsers) GetByID(_ context.Context, id uint64) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return model.User{}, m.err
	}
	u, ok := m.byID[id]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) SetStripeCustomerID(_ context.Context, userID uint64, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return repository.ErrNotFound
	}
	if u.StripeCustomerID == nil {
		u.StripeCustomerID = strp(customerID)
		m.byID[userID] = u
	}
	return nil
}

func (m *memUsers) UpdateProfile(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cur, ok := m.byID[u.ID]
	if !ok {
		return repository.ErrNotFound
	}
	for id, other := range m.byID {
		if id != u.ID && other.Mobile == u.Mobile {
			return &repository.DuplicateError{Key: "uq_users_mobile"}
		}
	}
	cur.Name, cur.Mobile, cur.Address = u.Name, u.Mobile, u.Address
	m.byID[u.ID] = cur
	*u = cur
	return nil
}

// add stores u as-is and returns its id.
func (m *memUsers) add(u model.User) model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	u.ID = m.nextID
	m.byID[u.ID] = u
	return u
}

// memDenylist is an in-memory revocation store with primary-key semantics.
type memDenylist struct {
	mu   sync.Mutex
	jtis map[string]time.Time
	err  error
}

func newMemDenylist() *memDenylist { return &memDenylist{jtis: map[string]time.Time{}} }

func (m *memDenylist) Revoke(_ context.Context, jti string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.jtis[jti]; ok {
		return &repository.DuplicateError{Key: "PRIMARY"}
	}
	m.jtis[jti] = exp
	return nil
}

func (m *memDenylist) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.jtis[jti]
	return ok, nil
}

func (m *memDenylist) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jtis)
}

// memSubs emulates repository.SubscriptionRepo, including the per-user
// serialisation of CreatePending and the locked read-modify-write of Mutate.
type memSubs struct {
	mu        sync.Mutex
	rows      map[uint64]model.Subscription
	payments  []model.SubscriptionPayment
	nextID    uint64
	now       func() time.Time
	err       error
	ledgerErr error
}

func newMemSubs() *memSubs {
	return &memSubs{rows: map[uint64]model.Subscription{}, now: time.Now}
}

func (m *memSubs) CreatePending(_ context.Context, sub *model.Subscription, today time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, s := range m.rows {
		if s.UserID == sub.UserID && s.BlocksPurchase(today) {
			return repository.ErrConflict
		}
	}
	m.nextID++
	sub.ID = m.nextID
	sub.Status = model.StatusPendingPayment
	sub.CreatedAt = m.now()
	m.rows[sub.ID] = *sub
	return nil
}

func (m *memSubs) DeletePending(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.Status != model.StatusPendingPayment || s.HasExternalID() {
		return repository.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memSubs) GetByID(_ context.Context, id uint64) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return model.Subscription{}, repository.ErrNotFound
	}
	return s, nil
}

func (m *memSubs) LatestByUser(_ context.Context, userID uint64) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest model.Subscription
	for _, s := range m.rows {
		if s.UserID == userID && s.ID > latest.ID {
			latest = s
		}
	}
	if latest.ID == 0 {
		return model.Subscription{}, repository.ErrNotFound
	}
	return latest, nil
}

func (m *memSubs) HasUsable(_ context.Context, userID uint64, day time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	for _, s := range m.rows {
		if s.UserID == userID && s.UsableOn(day) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memSubs) Mutate(_ context.Context, lookup repository.SubscriptionLookup, fn func(*model.Subscription) error) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return model.Subscription{}, m.err
	}
	var (
		cur   model.Subscription
		found bool
	)
	if lookup.ExternalID != "" {
		for _, s := range m.rows {
			if s.HasExternalID() && *s.ExternalSubscriptionID == lookup.ExternalID {
				cur, found = s, true
				break
			}
		}
	}
	if !found && lookup.ID != 0 {
		cur, found = m.rows[lookup.ID]
	}
	if !found {
		return model.Subscription{}, repository.ErrNotFound
	}
	work := cur
	err := fn(&work)
	switch {
	case errors.Is(err, repository.ErrNoChange):
		return work, nil
	case err != nil:
		return model.Subscription{}, err
	}
	work.UpdatedAt = m.now()
	m.rows[work.ID] = work
	return work, nil
}

func (m *memSubs) HasPayment(_ context.Context, txID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	for _, p := range m.payments {
		if p.TransactionID == txID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memSubs) RecordPayment(_ context.Context, p *model.SubscriptionPayment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledgerErr != nil {
		return false, m.ledgerErr
	}
	for _, o := range m.payments {
		if o.TransactionID == p.TransactionID {
			return false, nil
		}
	}
	p.ID = uint64(len(m.payments) + 1)
	p.PaidAt = m.now()
	m.payments = append(m.payments, *p)
	return true, nil
}

func (m *memSubs) List(_ context.Context, f repository.SubscriptionFilter, pr repository.PageRequest) (repository.Page[model.Subscription], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.rows {
		if (f.UserID == 0 || s.UserID == f.UserID) && (f.Status == "" || s.Status == f.Status) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.After(out[j].StartDate)
		}
		return out[i].ID > out[j].ID
	})
	return pageOf(out, pr), nil
}

func (m *memSubs) ledger() []model.SubscriptionPayment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SubscriptionPayment(nil), m.payments...)
}

func (m *memSubs) ExpireStalePending(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.rows {
		if s.Status == model.StatusPendingPayment && !s.HasExternalID() && s.CreatedAt.Before(cutoff) {
			s.Status = model.StatusExpired
			m.rows[id] = s
			n++
		}
	}
	return n, nil
}

func (m *memSubs) put(s model.Subscription) model.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		m.nextID++
		s.ID = m.nextID
	} else if s.ID > m.nextID {
		m.nextID = s.ID
	}
	m.rows[s.ID] = s
	return s
}

func (m *memSubs) get(id uint64) model.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

func (m *memSubs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// fakeGateway records calls and fails on demand.
type fakeGateway struct {
	mu             sync.Mutex
	customerErr    error
	checkoutErr    error
	cancelErr      error
	subCheckouts   []payment.SubscriptionCheckout
	oneTimes       []payment.OneTimeCheckout
	cancelled      []string
	customerCalls  int
	sessionCounter int
}

func (g *fakeGateway) EnsureCustomer(_ context.Context, u model.User) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.customerCalls++
	if g.customerErr != nil {
		return "", g.customerErr
	}
	if u.StripeCustomerID != nil {
		return *u.StripeCustomerID, nil
	}
	return "cus_" + u.Email, nil
}

func (g *fakeGateway) CreateSubscriptionCheckout(_ context.Context, in payment.SubscriptionCheckout) (payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checkoutErr != nil {
		return payment.Session{}, g.checkoutErr
	}
	g.subCheckouts = append(g.subCheckouts, in)
	g.sessionCounter++
	return payment.Session{ID: "cs_sub", URL: "https://checkout.test/sub"}, nil
}

func (g *fakeGateway) CreateOneTimeCheckout(_ context.Context, in payment.OneTimeCheckout) (payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checkoutErr != nil {
		return payment.Session{}, g.checkoutErr
	}
	g.oneTimes = append(g.oneTimes, in)
	return payment.Session{ID: "cs_pay", URL: "https://checkout.test/pay"}, nil
}

func (g *fakeGateway) CancelAtPeriodEnd(_ context.Context, externalID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, externalID)
	return nil
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.BillingEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.BillingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

// memPurchases emulates repository.PurchaseRepo.
type memPurchases struct {
	mu     sync.Mutex
	rows   map[uint64]model.Purchase
	nextID uint64
}

func newMemPurchases() *memPurchases { return &memPurchases{rows: map[uint64]model.Purchase{}} }

func (m *memPurchases) Create(_ context.Context, p *model.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	p.CreatedAt = time.Now()
	m.rows[p.ID] = *p
	return nil
}

func (m *memPurchases) SetCheckoutSession(_ context.Context, id uint64, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.CheckoutSessionID = strp(sessionID)
	m.rows[id] = p
	return nil
}

func (m *memPurchases) DeletePending(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Confirmed() {
		return repository.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memPurchases) Confirm(_ context.Context, id uint64, txID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if p.Confirmed() {
		return false, nil
	}
	p.PaymentTransactionID = strp(txID)
	p.ConfirmedAt = &at
	m.rows[id] = p
	return true, nil
}

func (m *memPurchases) GetByID(_ context.Context, id uint64) (model.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return model.Purchase{}, repository.ErrNotFound
	}
	return p, nil
}

func (m *memPurchases) ListByUser(_ context.Context, userID uint64) ([]model.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Purchase
	for _, p := range m.rows {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memPurchases) List(_ context.Context, f repository.PurchaseFilter, pr repository.PageRequest) (repository.Page[model.Purchase], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Purchase
	for _, p := range m.rows {
		if f.UserID != 0 && p.UserID != f.UserID {
			continue
		}
		if f.Confirmed != nil && p.Confirmed() != *f.Confirmed {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return pageOf(out, pr), nil
}

// memMenu emulates repository.MenuRepo.
type memMenu struct {
	mu     sync.Mutex
	rows   map[uint64]model.MenuItem
	nextID uint64
}

func newMemMenu() *memMenu { return &memMenu{rows: map[uint64]model.MenuItem{}} }

func (m *memMenu) List(_ context.Context, onlyAvailable bool) ([]model.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MenuItem
	for _, it := range m.rows {
		if onlyAvailable && !it.Available {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memMenu) GetByID(_ context.Context, id uint64) (model.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.rows[id]
	if !ok {
		return model.MenuItem{}, repository.ErrNotFound
	}
	return it, nil
}

func (m *memMenu) dup(it model.MenuItem) bool {
	for _, o := range m.rows {
		if o.ID != it.ID && o.DayOfWeek == it.DayOfWeek && o.MealType == it.MealType && o.Name == it.Name {
			return true
		}
	}
	return false
}

func (m *memMenu) Create(_ context.Context, it *model.MenuItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dup(*it) {
		return &repository.DuplicateError{Key: "uq_menu_slot_name"}
	}
	m.nextID++
	it.ID = m.nextID
	m.rows[it.ID] = *it
	return nil
}

func (m *memMenu) Update(_ context.Context, it *model.MenuItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[it.ID]; !ok {
		return repository.ErrNotFound
	}
	if m.dup(*it) {
		return &repository.DuplicateError{Key: "uq_menu_slot_name"}
	}
	m.rows[it.ID] = *it
	return nil
}

func (m *memMenu) SetAvailable(_ context.Context, id uint64, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	it.Available = available
	m.rows[id] = it
	return nil
}

// memEntries emulates repository.MealEntryRepo.
type memEntries struct {
	mu   sync.Mutex
	rows []model.MealEntry
}

func (m *memEntries) Create(_ context.Context, e *model.MealEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.rows {
		if o.UserID == e.UserID && o.EntryDate.Equal(e.EntryDate) && o.MealType == e.MealType {
			return &repository.DuplicateError{Key: "uq_meal_entry"}
		}
	}
	e.ID = uint64(len(m.rows) + 1)
	m.rows = append(m.rows, *e)
	return nil
}

func (m *memEntries) ListByUser(_ context.Context, userID uint64, from, to time.Time) ([]model.MealEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MealEntry
	for _, e := range m.rows {
		if e.UserID == userID && !e.EntryDate.Before(from) && !e.EntryDate.After(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEntries) List(_ context.Context, f repository.MealEntryFilter, pr repository.PageRequest) (repository.Page[model.MealEntry], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MealEntry
	for _, e := range m.rows {
		if f.UserID != 0 && e.UserID != f.UserID {
			continue
		}
		if f.Date != nil && !e.EntryDate.Equal(model.DateOf(*f.Date)) {
			continue
		}
		if f.MealType != "" && e.MealType != f.MealType {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryDate.Equal(out[j].EntryDate) {
			return out[i].EntryDate.After(out[j].EntryDate)
		}
		return out[i].ID > out[j].ID
	})
	return pageOf(out, pr), nil
}

// pageOf slices items the way repository.queryPage pages a result.
func pageOf[T any](items []T, pr repository.PageRequest) repository.Page[T] {
	pr = pr.Normalize()
	total := len(items)
	p := repository.Page[T]{
		Items: []T{}, Page: pr.Page, PageSize: pr.PageSize, Total: int64(total),
		TotalPages: (total + pr.PageSize - 1) / pr.PageSize,
	}
	start := (pr.Page - 1) * pr.PageSize
	if start >= total {
		return p
	}
	end := min(start+pr.PageSize, total)
	p.Items = append(p.Items, items[start:end]...)
	return p
}
