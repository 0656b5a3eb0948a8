package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Transfers(t *testing.T) {
	c := NewCollector("wallet", prometheus.NewRegistry())

	c.ObserveTransfer("success", 5*time.Millisecond)
	c.ObserveTransfer("success", 7*time.Millisecond)
	c.ObserveTransfer("insufficient_funds", time.Millisecond)
	c.IncTransferRetry()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transfers.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transfers.WithLabelValues("insufficient_funds")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transferRetries))
}

func TestCollector_MiddlewareUsesRoutePattern(t *testing.T) {
	c := NewCollector("wallet", prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Get("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"1", "2", "3"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/things/"+id, nil))
		assert.Equal(t, http.StatusTeapot, w.Code)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/things/{id}", "418")))
}
