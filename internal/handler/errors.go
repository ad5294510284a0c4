package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/mess-backend/internal/model"
	"github.com/iliyamo/mess-backend/internal/service"
)

// fieldError is one per-field validation problem.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// errorBody is the single envelope every error response uses.
type errorBody struct {
	Timestamp time.Time    `json:"timestamp"`
	Status    int          `json:"status"`
	Error     string       `json:"error"`
	Message   string       `json:"message"`
	Path      string       `json:"path"`
	Errors    []fieldError `json:"errors,omitempty"`
}

// errorMapping pairs a sentinel with its status.  Order matters: the first
// match wins.
var errorMapping = []struct {
	target error
	status int
}{
	{service.ErrValidation, http.StatusBadRequest},
	{service.ErrSignatureInvalid, http.StatusBadRequest},
	{service.ErrInvalidCredentials, http.StatusUnauthorized},
	{service.ErrUnauthenticated, http.StatusUnauthorized},
	{service.ErrForbidden, http.StatusForbidden},
	{service.ErrTokenInvalid, http.StatusForbidden},
	{service.ErrTokenRevoked, http.StatusForbidden},
	{service.ErrNotFound, http.StatusNotFound},
	{service.ErrConflictingSubscription, http.StatusConflict},
	{service.ErrConflict, http.StatusConflict},
	{service.ErrInvalidState, http.StatusConflict},
	{service.ErrLinkConflict, http.StatusConflict},
	{model.ErrInvalidTransition, http.StatusConflict},
	{service.ErrGateway, http.StatusInternalServerError},
}

const genericServerError = "an unexpected error occurred"

// ErrorHandler renders every error returned by a handler or middleware as
// an errorBody.  Server-side failures are logged with their cause; the
// client only sees a generic message.
func ErrorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		body := describe(err)
		body.Timestamp = time.Now().UTC()
		body.Path = c.Request().URL.Path
		body.Error = http.StatusText(body.Status)

		if body.Status >= http.StatusInternalServerError {
			log.Error("request failed", "method", c.Request().Method, "path", body.Path, "err", err)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(body.Status)
		} else {
			werr = c.JSON(body.Status, body)
		}
		if werr != nil {
			log.Error("write error response", "err", werr)
		}
	}
}

func describe(err error) errorBody {
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		return errorBody{Status: http.StatusBadRequest, Message: "validation failed", Errors: fieldErrors(verrs)}
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && he.Code < http.StatusInternalServerError {
			msg = s
		}
		return errorBody{Status: he.Code, Message: msg}
	}
	for _, m := range errorMapping {
		if !errors.Is(err, m.target) {
			continue
		}
		if m.status >= http.StatusInternalServerError {
			return errorBody{Status: m.status, Message: genericServerError}
		}
		msg := m.target.Error()
		var de *service.DetailError
		if errors.As(err, &de) {
			msg = de.Message
		}
		return errorBody{Status: m.status, Message: msg}
	}
	return errorBody{Status: http.StatusInternalServerError, Message: genericServerError}
}

func fieldErrors(verrs validation.Errors) []fieldError {
	out := make([]fieldError, 0, len(verrs))
	for field, e := range verrs {
		if e == nil {
			continue
		}
		out = append(out, fieldError{Field: field, Message: e.Error()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}
