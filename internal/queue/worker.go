package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-blinds/internal/resilience"
)

// errVisibilityExpired is recorded for tasks whose last delivery never
// finished within the visibility timeout.
var errVisibilityExpired = errors.New("queue: visibility timeout expired")

// claimScript moves the earliest due task from the ready set into the
// processing set, scored by its visibility deadline.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
redis.call('ZREM', KEYS[1], due[1])
redis.call('ZADD', KEYS[2], ARGV[2], due[1])
return due[1]
`)

// Worker consumes tasks of one kind. A failed task is retried with backoff
// until MaxAttempts, then written to Store (or a Redis list when Store is nil).
// A task whose handler outlives VisibilityTimeout is redelivered.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline bounds a single handler call. Zero means the visibility
	// timeout.
	SoftDeadline time.Duration
	Handler      func(context.Context, Task) error
	RetryBase    time.Duration
	RetryJitter  float64
	Store        Store
	Logger       *zerolog.Logger
}

type runState struct {
	kind       string
	keys       keyspace
	visibility time.Duration
	soft       time.Duration
	retryBase  time.Duration
	log        zerolog.Logger
}

func (w Worker) prepare() (runState, error) {
	if w.R == nil {
		return runState{}, errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return runState{}, errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return runState{}, errors.New("queue: worker kind is required")
	}
	st := runState{
		kind:       kind,
		keys:       keysFor(w.Prefix, kind),
		visibility: w.VisibilityTimeout,
		soft:       w.SoftDeadline,
		retryBase:  w.RetryBase,
	}
	if st.visibility <= 0 {
		st.visibility = 30 * time.Second
	}
	if st.soft <= 0 || st.soft > st.visibility {
		st.soft = st.visibility
	}
	if st.retryBase <= 0 {
		st.retryBase = 200 * time.Millisecond
	}
	base := zerolog.Nop()
	if w.Logger != nil {
		base = *w.Logger
	}
	st.log = base.With().Str("queue_kind", kind).Logger()
	return st, nil
}

// Run processes tasks until ctx is cancelled, then waits for running
// handlers. A task is claimed only once a concurrency slot is free.
func (w Worker) Run(ctx context.Context) error {
	st, err := w.prepare()
	if err != nil {
		return err
	}
	slots := make(chan struct{}, max(w.Concurrency, 1))
	var wg sync.WaitGroup
	defer wg.Wait()

	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			if err := w.requeueExpired(ctx, st); err != nil && ctx.Err() == nil {
				return err
			}
			if depth, err := w.R.ZCard(ctx, st.keys.ready()).Result(); err == nil {
				DepthGauge.WithLabelValues(st.kind).Set(float64(depth))
			}
			continue
		case slots <- struct{}{}:
		}

		raw, msg, ok, err := w.claim(ctx, st)
		if err != nil || !ok {
			<-slots
			if err != nil && ctx.Err() == nil {
				return err
			}
			sleepCtx(ctx, 100*time.Millisecond)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			w.deliver(ctx, st, raw, msg)
		}()
	}
}

// claim atomically takes the next due task. ok is false when nothing is due.
func (w Worker) claim(ctx context.Context, st runState) (raw string, msg taskMessage, ok bool, err error) {
	now := time.Now()
	deadline := now.Add(st.visibility).UnixNano()
	res, err := claimScript.Run(ctx, w.R,
		[]string{st.keys.ready(), st.keys.processing()},
		strconv.FormatInt(now.UnixNano(), 10), strconv.FormatInt(deadline, 10),
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", taskMessage{}, false, nil
	}
	if err != nil {
		return "", taskMessage{}, false, err
	}
	msg, err = decodeMessage(res)
	if err != nil {
		st.log.Warn().Err(err).Msg("queue_drop_undecodable")
		_ = w.R.ZRem(ctx, st.keys.processing(), res).Err()
		return "", taskMessage{}, false, nil
	}
	return res, msg, true, nil
}

// deliver runs the handler once. raw is the processing-set member; the
// stored attempt count lags the delivery by one until the outcome is known.
func (w Worker) deliver(ctx context.Context, st runState, raw string, msg taskMessage) {
	msg.Attempt++
	jobCtx, cancel := context.WithTimeout(ctx, st.soft)
	err := w.Handler(jobCtx, Task{
		Kind:           st.kind,
		Payload:        msg.Payload,
		IdempotencyKey: msg.Key,
		MaxAttempts:    msg.MaxAttempts,
		Attempt:        msg.Attempt,
	})
	cancel()

	// Bookkeeping outlives both the handler deadline and shutdown.
	bg := context.WithoutCancel(ctx)
	removed, remErr := w.R.ZRem(bg, st.keys.processing(), raw).Result()
	if remErr == nil && removed == 0 && err != nil {
		// the sweep already redelivered this task
		return
	}
	if err == nil {
		w.releaseKey(bg, st, msg.Key)
		processedTotal.WithLabelValues(st.kind, "ok").Inc()
		return
	}
	w.retryOrBury(bg, st, msg, err)
}

func (w Worker) retryOrBury(ctx context.Context, st runState, msg taskMessage, cause error) {
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		w.bury(ctx, st, msg, cause)
		return
	}
	delay := resilience.Backoff(st.retryBase, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	if err := w.push(ctx, st, msg); err != nil {
		st.log.Error().Err(err).Str("key", msg.Key).Msg("queue_retry_lost")
		return
	}
	processedTotal.WithLabelValues(st.kind, "retry").Inc()
	st.log.Debug().Err(cause).Str("key", msg.Key).Int("attempt", msg.Attempt).Dur("delay", delay).Msg("queue_task_retry")
}

// bury dead-letters msg and frees its dedup key so it can be queued again.
func (w Worker) bury(ctx context.Context, st runState, msg taskMessage, cause error) {
	processedTotal.WithLabelValues(st.kind, "dead").Inc()
	st.log.Error().Err(cause).Str("key", msg.Key).Int("attempts", msg.Attempt).Msg("queue_task_dead_lettered")
	w.releaseKey(ctx, st, msg.Key)

	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if w.Store != nil {
		lastErr := cause.Error()
		_, err = w.Store.Insert(ctx, DLQEntry{
			Kind:           st.kind,
			IdempotencyKey: msg.Key,
			Payload:        encoded,
			Attempts:       msg.Attempt,
			LastError:      &lastErr,
			CreatedAt:      time.Now(),
		})
		if err == nil {
			if n, err := w.Store.Count(ctx, st.kind); err == nil {
				DeadLetterGauge.WithLabelValues(st.kind).Set(float64(n))
			}
			return
		}
		st.log.Error().Err(err).Msg("queue_dlq_insert_failed")
	}
	_ = w.R.LPush(ctx, st.keys.deadList(), encoded).Err()
}

// requeueExpired returns tasks whose visibility deadline passed to the ready
// set. The lost delivery counts as an attempt.
func (w Worker) requeueExpired(ctx context.Context, st runState) error {
	due, err := w.R.ZRangeByScore(ctx, st.keys.processing(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixNano(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, raw := range due {
		removed, err := w.R.ZRem(ctx, st.keys.processing(), raw).Result()
		if err != nil || removed == 0 {
			// acked or reclaimed meanwhile
			continue
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		msg.Attempt++
		if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
			w.bury(ctx, st, msg, errVisibilityExpired)
			continue
		}
		msg.AvailableAt = time.Now().UnixNano()
		if err := w.push(ctx, st, msg); err != nil {
			return err
		}
		st.log.Warn().Str("key", msg.Key).Int("attempt", msg.Attempt).Msg("queue_task_redelivered")
	}
	return nil
}

func (w Worker) push(ctx context.Context, st runState, msg taskMessage) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.R.ZAdd(ctx, st.keys.ready(), redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
}

func (w Worker) releaseKey(ctx context.Context, st runState, key string) {
	if key != "" {
		_ = w.R.Del(ctx, st.keys.dedup(key)).Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
