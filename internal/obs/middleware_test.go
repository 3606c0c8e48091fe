package obs_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-blinds/internal/obs"
)

func newRouter(metrics *obs.HTTPMetrics, logger zerolog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(obs.Tracing)
	r.Use(obs.HTTPObs{Metrics: metrics}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Route("/api/v1/products/{productId}", func(p chi.Router) {
		p.Post("/quote", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
		})
	})
	return r
}

func TestHTTPMetricsUseRoutePattern(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("blinds", registry)
	r := newRouter(metrics, zerolog.Nop())

	for _, id := range []string{"roller-1", "vertical-1"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/products/"+id+"/quote", nil))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	}

	total := testutil.ToFloat64(metrics.Requests.WithLabelValues(http.MethodPost, "/api/v1/products/{productId}/quote", "422"))
	require.Equal(t, float64(2), total)
	require.Equal(t, 1, testutil.CollectAndCount(metrics.Latency))
	require.Zero(t, testutil.ToFloat64(metrics.InFlight))
}

func TestRequestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	r := newRouter(nil, zerolog.New(&buf))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/products/roller-1/quote", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "http_request", line["message"])
	require.Equal(t, "/api/v1/products/{productId}/quote", line["route"])
	require.Equal(t, "roller-1", line["product_id"])
	require.EqualValues(t, 422, line["status"])
	require.NotEmpty(t, line["request_id"])
}
