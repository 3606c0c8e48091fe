package health

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-blinds/internal/common"
	"github.com/noah-isme/backend-blinds/internal/resilience"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips the process readiness flag. Shutdown sets it to false so load
// balancers stop routing before the server drains.
func SetReady(v bool) { ready.Store(v) }

// Probe checks one dependency. Optional probes are reported but never fail
// readiness.
type Probe struct {
	Name     string
	Timeout  time.Duration
	Optional bool
	Check    func(ctx context.Context) error
}

// Redis probes a redis client with PING.
func Redis(client *redis.Client) Probe {
	return Probe{Name: "redis", Timeout: 300 * time.Millisecond, Check: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

// Postgres probes a pgx pool.
func Postgres(pool *pgxpool.Pool) Probe {
	return Probe{Name: "db", Timeout: 500 * time.Millisecond, Check: pool.Ping}
}

// Breaker reports an upstream circuit breaker. It is optional: an open
// breaker degrades pricing but the cart and checkout paths still answer.
func Breaker(name string, b *resilience.Breaker) Probe {
	return Probe{Name: name, Optional: true, Check: func(context.Context) error {
		if s := b.State(); s != resilience.Closed {
			return fmt.Errorf("breaker %s", s)
		}
		return nil
	}}
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Probes []Probe
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe and reports 503 when a required one fails or the
// process is shutting down.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]string, len(h.Probes)+1)
	healthy := ready.Load()
	if !healthy {
		status["process"] = "shutting down"
	}
	for _, p := range h.Probes {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 500 * time.Millisecond
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		err := p.Check(ctx)
		cancel()
		if err != nil {
			status[p.Name] = err.Error()
			if !p.Optional {
				healthy = false
			}
			continue
		}
		status[p.Name] = "ok"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, status)
}
