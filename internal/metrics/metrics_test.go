package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := New("mess")
	c.ObserveWebhook("invoice.paid", "processed")
	c.ObserveWebhook("invoice.paid", "processed")
	c.ObserveTransition("ACTIVE")
	c.ObserveJob("purge", nil)
	c.ObserveJob("purge", errors.New("boom"))
	c.ObserveHTTP(http.MethodGet, "/healthz", 200, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.WebhookEvents.WithLabelValues("invoice.paid", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Transitions.WithLabelValues("ACTIVE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.JobRuns.WithLabelValues("purge", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200")))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveWebhook("x", "y")
		c.ObserveTransition("ACTIVE")
		c.ObserveGatewayError("cancel")
		c.ObserveJob("j", nil)
		c.ObserveHTTP("GET", "/", 200, time.Second)
	})
}

func TestCollector_Handler(t *testing.T) {
	c := New("mess")
	c.ObserveGatewayError("create_checkout")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `mess_payment_gateway_errors_total{operation="create_checkout"} 1`))
}
