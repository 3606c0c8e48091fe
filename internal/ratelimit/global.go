package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/noah-isme/backend-blinds/internal/common"
)

// Global is a fixed-window per-client budget applied to the whole public API,
// on top of the sliding quote limit.
type Global struct {
	lim     *limiter.Limiter
	onError func(error)
}

// NewGlobal parses a rate such as "300-M" and stores counters in Redis under
// rl:api.
func NewGlobal(rate string, client *redis.Client, onError func(error)) (*Global, error) {
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: "rl:api", MaxRetry: 3})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: store: %w", err)
	}
	return NewGlobalWithStore(rate, store, onError)
}

// NewGlobalWithStore is NewGlobal with an explicit store.
func NewGlobalWithStore(rate string, store limiter.Store, onError func(error)) (*Global, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: rate %q: %w", rate, err)
	}
	return &Global{lim: limiter.New(store, r), onError: onError}, nil
}

func (g *Global) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lc, err := g.lim.Get(r.Context(), common.ClientIP(r))
		if err != nil {
			if g.onError != nil {
				g.onError(err)
			}
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))
		if lc.Reached {
			wait := time.Until(time.Unix(lc.Reset, 0))
			h.Set("Retry-After", strconv.Itoa(max(int(wait.Seconds()), 0)))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
