package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareCountsRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.With(Route("probe")).Get("/probe", func(w http.ResponseWriter, r *http.Request) {
		ObserveDB(r.Context(), "probe.query")()
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "probe"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "probe")))

	errBefore := testutil.ToFloat64(httpErrorsTotal.WithLabelValues(http.MethodGet, "/boom", "500"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(httpErrorsTotal.WithLabelValues(http.MethodGet, "/boom", "500")))
}

func TestIMIPCounter(t *testing.T) {
	before := testutil.ToFloat64(imipMessages.WithLabelValues("REQUEST", "sent"))
	IMIPMessage("request", "sent")
	assert.Equal(t, before+1, testutil.ToFloat64(imipMessages.WithLabelValues("REQUEST", "sent")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveDB(context.Background(), "test.op")()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "katana_db_latency_seconds"))
}
