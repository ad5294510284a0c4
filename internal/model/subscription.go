package model

import (
	"errors"
	"fmt"
	"time"
)

// SubscriptionStatus is the canonical lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusPendingPayment SubscriptionStatus = "PENDING_PAYMENT"
	StatusActive         SubscriptionStatus = "ACTIVE"
	StatusCancelled      SubscriptionStatus = "CANCELLED"
	StatusExpired        SubscriptionStatus = "EXPIRED"
	StatusPaymentFailed  SubscriptionStatus = "PAYMENT_FAILED"
)

// ErrInvalidTransition is returned when a status change is not listed in
// the transition table.
var ErrInvalidTransition = errors.New("invalid subscription transition")

// transitions enumerates every allowed status change.  ACTIVE -> ACTIVE is
// a renewal (a new billing period paid on the same processor subscription).
var transitions = map[SubscriptionStatus]map[SubscriptionStatus]bool{
	StatusPendingPayment: {StatusActive: true, StatusPaymentFailed: true, StatusExpired: true},
	StatusActive:         {StatusActive: true, StatusCancelled: true, StatusExpired: true, StatusPaymentFailed: true},
	StatusCancelled:      {},
	StatusExpired:        {},
	StatusPaymentFailed:  {},
}

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether the table allows moving from s to next.
func (s SubscriptionStatus) CanTransitionTo(next SubscriptionStatus) bool {
	return transitions[s][next]
}

// Terminal reports whether no transition leaves s.
func (s SubscriptionStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Blocking reports whether a subscription in this status prevents a new
// purchase.  ACTIVE only blocks while its paid window has not ended, so
// callers must also check the end date (see Subscription.BlocksPurchase).
func (s SubscriptionStatus) Blocking() bool {
	return s == StatusActive || s == StatusPendingPayment
}

// Subscription represents paid mess access for its current billing cycle.  Dates are
// civil dates stored as midnight UTC; EndDate is inclusive.
type Subscription struct {
	ID                     uint64
	UserID                 uint64
	StartDate              time.Time
	EndDate                time.Time
	Status                 SubscriptionStatus
	AmountPaid             int64 // minor units
	Currency               string
	PaymentTransactionID   *string
	ExternalSubscriptionID *string
	PriceReference         *string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// SubscriptionPayment is one paid billing cycle.  A renewal appends a new
// payment while the subscription row moves on to the new period.
type SubscriptionPayment struct {
	ID             uint64
	SubscriptionID uint64
	UserID         uint64
	TransactionID  string
	Amount         int64 // minor units
	Currency       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	PaidAt         time.Time
}

// TransitionTo moves the subscription to next if the table allows it.
func (s *Subscription) TransitionTo(next SubscriptionStatus) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	return nil
}

// Reinstate returns a swept checkout to PENDING_PAYMENT so a payment that
// completed after the sweep can still activate it.  Only an EXPIRED row
// that was never paid qualifies.
func (s *Subscription) Reinstate() error {
	if s.Status != StatusExpired || s.PaymentTransactionID != nil {
		return fmt.Errorf("%w: cannot reinstate %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusPendingPayment
	return nil
}

// EffectiveStatus applies lazy expiry: an ACTIVE row whose end date is
// before today reads as EXPIRED without the row being rewritten.
func (s Subscription) EffectiveStatus(today time.Time) SubscriptionStatus {
	if s.Status == StatusActive && s.EndDate.Before(DateOf(today)) {
		return StatusExpired
	}
	return s.Status
}

// BlocksPurchase reports whether this row prevents its owner from starting
// another purchase on the given day.
func (s Subscription) BlocksPurchase(today time.Time) bool {
	switch s.Status {
	case StatusPendingPayment:
		return true
	case StatusActive:
		return !s.EndDate.Before(DateOf(today))
	}
	return false
}

// UsableOn reports whether the subscription grants mess access on day d.
// A CANCELLED subscription stays usable until its already-paid end date.
func (s Subscription) UsableOn(d time.Time) bool {
	if s.Status != StatusActive && s.Status != StatusCancelled {
		return false
	}
	d = DateOf(d)
	return !d.Before(s.StartDate) && !d.After(s.EndDate)
}

// HasExternalID reports whether the processor subscription id is linked.
func (s Subscription) HasExternalID() bool {
	return s.ExternalSubscriptionID != nil && *s.ExternalSubscriptionID != ""
}

// DateOf truncates t to its civil date (in t's location) and returns it as
// midnight UTC, the representation used for DATE columns.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
