package model

import "time"

// Purchase is a one-time dish order.  A purchase is pending while
// PaymentTransactionID is nil; the checkout-completed webhook sets it.
type Purchase struct {
	ID                   uint64     `json:"id"`
	UserID               uint64     `json:"user_id"`
	MenuItemID           uint64     `json:"menu_item_id"`
	Quantity             int        `json:"quantity"`
	TotalAmount          int64      `json:"total_amount"` // minor units
	Currency             string     `json:"currency"`
	CheckoutSessionID    *string    `json:"checkout_session_id,omitempty"`
	PaymentTransactionID *string    `json:"payment_transaction_id,omitempty"`
	ConfirmedAt          *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Confirmed reports whether the payment confirmation has been recorded.
func (p Purchase) Confirmed() bool {
	return p.PaymentTransactionID != nil && *p.PaymentTransactionID != ""
}
