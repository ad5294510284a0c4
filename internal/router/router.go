package router // package router wires handlers and middleware onto echo routes

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/mess-backend/internal/handler"
	"github.com/iliyamo/mess-backend/internal/metrics"
	"github.com/iliyamo/mess-backend/internal/middleware"
	"github.com/iliyamo/mess-backend/internal/model"
)

// Handlers groups the endpoint handlers registered by Register.
type Handlers struct {
	Auth          *handler.AuthHandler
	Subscriptions *handler.SubscriptionHandler
	Webhooks      *handler.WebhookHandler
	Purchases     *handler.PurchaseHandler
	Menu          *handler.MenuHandler
	MealEntries   *handler.MealEntryHandler
	Reports       *handler.ReportHandler
}

// Options carries the cross-cutting pieces.  RateLimit and Cache may be
// nil; DB enables /readyz when set.
type Options struct {
	Verifier  middleware.AccessVerifier
	RateLimit echo.MiddlewareFunc
	Cache     *middleware.ResponseCache
	Metrics   *metrics.Collector
	DB        handler.Pinger
}

// Register maps every route.  Authentication-free routes are the auth
// entry points, the processor webhook and the health checks.
func Register(e *echo.Echo, h Handlers, o Options) {
	limit := o.RateLimit
	if limit == nil {
		limit = func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	auth := middleware.JWTAuth(o.Verifier)
	admin := middleware.RequireRole(model.RoleAdmin)

	e.GET("/healthz", handler.Health)
	if o.DB != nil {
		e.GET("/readyz", handler.Ready(o.DB))
	}
	if o.Metrics != nil {
		e.Use(middleware.Metrics(o.Metrics))
		e.GET("/metrics", echo.WrapHandler(o.Metrics.Handler()))
	}

	// Webhook deliveries are signed, never rate limited.
	e.POST("/stripe/webhooks", h.Webhooks.Receive)

	a := e.Group("/api/auth")
	a.POST("/register", h.Auth.Register, limit)
	a.POST("/login", h.Auth.Login, limit)
	a.POST("/refresh-token", h.Auth.RefreshToken, limit)
	a.POST("/logout", h.Auth.Logout)
	a.GET("/me", h.Auth.Me, auth)

	u := e.Group("/api/users", auth)
	u.GET("/me", h.Auth.Me)
	u.PUT("/me", h.Auth.UpdateMe)

	s := e.Group("/api/subscriptions", auth)
	s.POST("/purchase", h.Subscriptions.Purchase, limit)
	s.GET("/my-status", h.Subscriptions.MyStatus)
	s.POST("/:id/cancel", h.Subscriptions.Cancel)

	p := e.Group("/api/purchases", auth)
	p.POST("", h.Purchases.Create, limit)
	p.GET("/mine", h.Purchases.ListMine)
	p.GET("/my-history", h.Purchases.History)

	// The cache key includes the caller's role, so it runs after auth.
	e.GET("/api/menu", h.Menu.Weekly, auth, o.Cache.Middleware())

	m := e.Group("/api/meal-entries", auth)
	m.POST("/mark", h.MealEntries.Mark)
	m.GET("/mine", h.MealEntries.Mine)
	m.GET("/my-history", h.MealEntries.History)

	ad := e.Group("/api/admin", auth, admin)
	ad.POST("/menu", h.Menu.Create)
	ad.PUT("/menu/:id", h.Menu.Update)
	ad.DELETE("/menu/:id", h.Menu.Delete)
	ad.GET("/users/:id/meal-entries", h.MealEntries.ForUser)
	ad.GET("/meal-entries", h.MealEntries.Search)
	ad.GET("/subscriptions", h.Subscriptions.List)
	ad.GET("/purchases", h.Purchases.ListAll)
	ad.GET("/reports/summary", h.Reports.Summary)
}
