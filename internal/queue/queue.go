package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// KindPriceRevalidate re-submits an unverified cart line to the price
// validator.
const KindPriceRevalidate = "price-revalidate"

const defaultMaxAttempts = 10

// Task represents a job to be processed asynchronously. Attempt is 1 on the
// first delivery.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Attempt        int
	Delay          time.Duration
}

// Enqueuer publishes tasks to Redis backed queues.
type Enqueuer struct {
	R           *redis.Client
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue inserts the task into the queue. If an idempotency key is supplied the
// task is only enqueued once within the configured deduplication window.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = e.MaxAttempts
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = defaultMaxAttempts
	}
	msg.AvailableAt = time.Now().Add(t.Delay).UnixNano()

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, keysFor(e.Prefix, kind).dedup(msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := e.R.ZAdd(ctx, keysFor(e.Prefix, kind).ready(), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err(); err != nil {
		return err
	}
	enqueuedTotal.WithLabelValues(kind).Inc()
	return nil
}

// Depth returns the number of ready or delayed tasks of a kind.
func (e Enqueuer) Depth(ctx context.Context, kind string) (int64, error) {
	if e.R == nil {
		return 0, errors.New("queue: redis client not configured")
	}
	return e.R.ZCard(ctx, keysFor(e.Prefix, sanitizeKind(kind)).ready()).Result()
}

// sanitizeKind returns kind, or "" when it holds anything outside [a-z0-9-_:].
func sanitizeKind(kind string) string {
	if strings.ContainsFunc(kind, func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9') && !strings.ContainsRune("-_:", r)
	}) {
		return ""
	}
	return kind
}

// keyspace names the Redis keys of one task kind: a ready zset scored by
// due time, a processing zset scored by visibility deadline, a fallback DLQ
// list and per-key dedup markers.
type keyspace struct{ prefix, kind string }

func keysFor(prefix, kind string) keyspace {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = "queue"
	}
	return keyspace{prefix: prefix, kind: kind}
}

func (k keyspace) ready() string      { return k.prefix + ":ready:" + k.kind }
func (k keyspace) processing() string { return k.prefix + ":processing:" + k.kind }
func (k keyspace) deadList() string   { return k.prefix + ":dead:" + k.kind }
func (k keyspace) dedup(key string) string {
	return k.prefix + ":dedup:" + k.kind + ":" + key
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}
