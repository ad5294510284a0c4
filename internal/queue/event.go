// Package queue defines message payloads exchanged over the message broker.
package queue

import "time"

// BillingQueue is the durable queue billing events are published to.
const BillingQueue = "billing.events"

// Billing event types.
const (
	SubscriptionActivated     = "subscription.activated"
	SubscriptionRenewed       = "subscription.renewed"
	SubscriptionCancelled     = "subscription.cancelled"
	SubscriptionPaymentFailed = "subscription.payment_failed"
	SubscriptionExpired       = "subscription.expired"
	PurchaseConfirmed         = "purchase.confirmed"
)

// BillingEvent is published after a subscription or purchase changes state.
// It carries enough for downstream consumers to audit or notify without
// querying the primary database.  Zero-valued fields are omitted.
type BillingEvent struct {
	Type           string    `json:"type"`
	UserID         uint64    `json:"user_id,omitempty"`
	SubscriptionID uint64    `json:"subscription_id,omitempty"`
	PurchaseID     uint64    `json:"purchase_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	PeriodEnd      string    `json:"period_end,omitempty"` // YYYY-MM-DD
	Count          int64     `json:"count,omitempty"`      // bulk events such as a stale sweep
	OccurredAt     time.Time `json:"occurred_at"`
}
