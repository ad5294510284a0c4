package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/mess-backend/internal/service"
)

// maxWebhookBody caps the payload read from the processor.
const maxWebhookBody = 64 << 10

const signatureHeader = "Stripe-Signature"

// Dispatcher verifies and applies one webhook delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload []byte, sigHeader string) error
}

type WebhookHandler struct {
	dispatcher Dispatcher
}

func NewWebhookHandler(d Dispatcher) *WebhookHandler {
	return &WebhookHandler{dispatcher: d}
}

// Receive reads the raw body, which signature verification needs byte for
// byte, and hands it to the dispatcher.  Any non-2xx makes the processor
// redeliver.
func (h *WebhookHandler) Receive(c echo.Context) error {
	sig := c.Request().Header.Get(signatureHeader)
	if sig == "" {
		return service.Detail(service.ErrSignatureInvalid, "missing Stripe-Signature header")
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
		}
		return service.Detail(service.ErrValidation, "could not read request body")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.dispatcher.Dispatch(ctx, body, sig); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}
