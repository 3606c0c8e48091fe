package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T) (Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return Limiter{Client: client, Prefix: "rl:quote"}, mr
}

func quoteRouter(h Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.With(h.Middleware).Post("/api/v1/products/{productId}/quote", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func quote(r http.Handler, product, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/products/"+product+"/quote", nil)
	req.Header.Set("X-Forwarded-For", ip)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestLimiterSlidingWindow(t *testing.T) {
	limiter, mr := newLimiter(t)
	ctx := context.Background()
	window := 2 * time.Second

	for i := 0; i < 2; i++ {
		allowed, remaining, _, err := limiter.Allow(ctx, "k", window, 2)
		require.NoError(t, err)
		require.True(t, allowed)
		require.Equal(t, 1-i, remaining)
	}
	allowed, remaining, _, err := limiter.Allow(ctx, "k", window, 2)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Zero(t, remaining)

	mr.FastForward(window)
	allowed, _, _, err = limiter.Allow(ctx, "k", window, 2)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestQuoteLimitIsPerClientAndProduct(t *testing.T) {
	limiter, _ := newLimiter(t)
	r := quoteRouter(Handler{
		Limiter: limiter,
		Config:  Config{Key: ByClientIPAndParam("productId"), Window: time.Minute, Max: 1},
	})

	require.Equal(t, http.StatusOK, quote(r, "roller-1", "203.0.113.7").Code)

	rec := quote(r, "roller-1", "203.0.113.7")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), `"RATE_LIMITED"`)
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	require.Equal(t, http.StatusOK, quote(r, "vertical-1", "203.0.113.7").Code)
	require.Equal(t, http.StatusOK, quote(r, "roller-1", "198.51.100.2").Code)
}

func TestLimiterErrorsFailOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })

	var failures int
	r := quoteRouter(Handler{
		Limiter: Limiter{Client: client},
		Config:  Config{Key: ByClientIPAndParam("productId"), Window: time.Second, Max: 1},
		OnError: func(error) { failures++ },
	})

	require.Equal(t, http.StatusOK, quote(r, "roller-1", "203.0.113.7").Code)
	require.Equal(t, 1, failures)
}
