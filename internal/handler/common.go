package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/mess-backend/internal/middleware"
	"github.com/iliyamo/mess-backend/internal/repository"
	"github.com/iliyamo/mess-backend/internal/service"
)

// requestTimeout bounds the store and gateway work of one request.
const requestTimeout = 10 * time.Second

func requestContext(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), requestTimeout)
}

// principal returns the authenticated caller set by middleware.JWTAuth.
func principal(c echo.Context) (service.Principal, error) {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		return service.Principal{}, service.ErrUnauthenticated
	}
	return p, nil
}

// pathID parses a positive numeric path parameter.
func pathID(c echo.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, service.Detail(service.ErrValidation, name+" must be a positive integer")
	}
	return id, nil
}

// bind decodes the request body into v.
func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return service.Detail(service.ErrValidation, "malformed request body")
	}
	return nil
}

// pageParams reads ?page and ?page_size.  Missing or unparsable values
// fall back to the first page of the default size.
func pageParams(c echo.Context) repository.PageRequest {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	size, _ := strconv.Atoi(c.QueryParam("page_size"))
	return repository.PageRequest{Page: page, PageSize: size}.Normalize()
}

// mapPage converts the items of a page into their response form.
func mapPage[T, V any](p repository.Page[T], view func(T) V) repository.Page[V] {
	out := repository.Page[V]{Items: make([]V, 0, len(p.Items)), Page: p.Page, PageSize: p.PageSize,
		Total: p.Total, TotalPages: p.TotalPages}
	for _, it := range p.Items {
		out.Items = append(out.Items, view(it))
	}
	return out
}

// queryUserID reads an optional numeric ?user_id filter.
func queryUserID(c echo.Context) (uint64, error) {
	raw := c.QueryParam("user_id")
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, service.Detail(service.ErrValidation, "user_id must be a positive integer")
	}
	return id, nil
}
