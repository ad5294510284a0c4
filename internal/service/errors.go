package service

import "errors"

// Sentinel errors returned by the services.  Handlers map them to HTTP
// statuses with errors.Is; the message shown to the client comes from
// Error(), so wrap with Detail when a specific message is wanted.
var (
	ErrValidation              = errors.New("validation failed")
	ErrInvalidCredentials      = errors.New("invalid email or password")
	ErrUnauthenticated         = errors.New("authentication required")
	ErrTokenInvalid            = errors.New("invalid refresh token")
	ErrTokenRevoked            = errors.New("refresh token has been revoked")
	ErrForbidden               = errors.New("forbidden")
	ErrNotFound                = errors.New("not found")
	ErrConflict                = errors.New("conflict")
	ErrConflictingSubscription = errors.New("an active or pending subscription already exists")
	ErrInvalidState            = errors.New("operation not allowed in current state")
	ErrLinkConflict            = errors.New("subscription already linked to a different processor subscription")
	ErrGateway                 = errors.New("payment gateway unavailable")
	ErrSignatureInvalid        = errors.New("invalid webhook signature")
)

// DetailError carries a client-facing message for a sentinel kind.
type DetailError struct {
	Kind    error
	Message string
}

func (e *DetailError) Error() string { return e.Message }
func (e *DetailError) Unwrap() error { return e.Kind }

// Detail returns an error that matches kind under errors.Is and reads as msg.
func Detail(kind error, msg string) error {
	return &DetailError{Kind: kind, Message: msg}
}
