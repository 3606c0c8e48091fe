package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-blinds/internal/queue"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// startWorker runs w until the test ends and returns a func that stops it and
// waits for in-flight handlers.
func startWorker(t *testing.T, w queue.Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	var stopped bool
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func revalidateTask(lineID string) queue.Task {
	return queue.Task{
		Kind:           queue.KindPriceRevalidate,
		Payload:        []byte(`{"lineId":"` + lineID + `"}`),
		IdempotencyKey: "line-" + lineID,
	}
}

func TestWorkerDeliversTask(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "t1"}
	require.NoError(t, enq.Enqueue(context.Background(), revalidateTask("l1")))

	got := make(chan queue.Task, 1)
	startWorker(t, queue.Worker{
		R:      client,
		Prefix: "t1",
		Kind:   queue.KindPriceRevalidate,
		Handler: func(_ context.Context, task queue.Task) error {
			got <- task
			return nil
		},
	})

	select {
	case task := <-got:
		require.Equal(t, `{"lineId":"l1"}`, string(task.Payload))
		require.Equal(t, "line-l1", task.IdempotencyKey)
		require.Equal(t, 1, task.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("task not delivered")
	}

	require.Eventually(t, func() bool {
		depth, err := enq.Depth(context.Background(), queue.KindPriceRevalidate)
		return err == nil && depth == 0
	}, time.Second, 10*time.Millisecond)
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "t2", DedupTTL: time.Minute}
	ctx := context.Background()

	require.NoError(t, enq.Enqueue(ctx, revalidateTask("l1")))
	require.NoError(t, enq.Enqueue(ctx, revalidateTask("l1")))
	require.NoError(t, enq.Enqueue(ctx, revalidateTask("l2")))

	depth, err := enq.Depth(ctx, queue.KindPriceRevalidate)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)

	require.Error(t, enq.Enqueue(ctx, queue.Task{Kind: "Bad Kind!"}))
}

func TestWorkerRetriesUntilSuccess(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "t3", MaxAttempts: 4}
	require.NoError(t, enq.Enqueue(context.Background(), revalidateTask("l1")))

	attempts := make(chan int, 4)
	startWorker(t, queue.Worker{
		R:         client,
		Prefix:    "t3",
		Kind:      queue.KindPriceRevalidate,
		RetryBase: 5 * time.Millisecond,
		Handler: func(_ context.Context, task queue.Task) error {
			attempts <- task.Attempt
			if task.Attempt < 3 {
				return errors.New("validator unavailable")
			}
			return nil
		},
	})

	for want := 1; want <= 3; want++ {
		select {
		case got := <-attempts:
			require.Equal(t, want, got)
		case <-time.After(3 * time.Second):
			t.Fatalf("attempt %d not delivered", want)
		}
	}
}

func TestWorkerRedeliversAfterSoftDeadline(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "t4", MaxAttempts: 3}
	log := zerolog.Nop()

	attempts := make(chan int, 2)
	stop := startWorker(t, queue.Worker{
		R:                 client,
		Prefix:            "t4",
		Kind:              queue.KindPriceRevalidate,
		VisibilityTimeout: 150 * time.Millisecond,
		SoftDeadline:      60 * time.Millisecond,
		RetryBase:         10 * time.Millisecond,
		Store:             queue.NewMemoryStore(),
		Logger:            &log,
		Handler: func(ctx context.Context, task queue.Task) error {
			attempts <- task.Attempt
			if task.Attempt == 1 {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
	})
	require.NoError(t, enq.Enqueue(context.Background(), revalidateTask("slow")))

	require.Eventually(t, func() bool { return len(attempts) == 2 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, <-attempts)
	require.Equal(t, 2, <-attempts)
	stop()

	depth, err := enq.Depth(context.Background(), queue.KindPriceRevalidate)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestWorkerDeadLettersExhaustedTask(t *testing.T) {
	client := newRedis(t)
	store := queue.NewMemoryStore()
	enq := queue.Enqueuer{R: client, Prefix: "t5", MaxAttempts: 2}
	require.NoError(t, enq.Enqueue(context.Background(), revalidateTask("l9")))

	stop := startWorker(t, queue.Worker{
		R:         client,
		Prefix:    "t5",
		Kind:      queue.KindPriceRevalidate,
		RetryBase: 5 * time.Millisecond,
		Store:     store,
		Handler: func(context.Context, queue.Task) error {
			return errors.New("validator unavailable")
		},
	})

	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := store.Count(ctx, queue.KindPriceRevalidate)
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)

	entries, err := store.List(ctx, queue.KindPriceRevalidate, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "line-l9", entries[0].IdempotencyKey)
	require.Equal(t, 2, entries[0].Attempts)
	require.NotNil(t, entries[0].LastError)
	require.Equal(t, "validator unavailable", *entries[0].LastError)

	// the dedup marker is released so the line can be queued again
	stop()
	require.NoError(t, enq.Enqueue(ctx, revalidateTask("l9")))
	depth, err := enq.Depth(ctx, queue.KindPriceRevalidate)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestWorkerBuriesTaskLostOnFinalAttempt(t *testing.T) {
	client := newRedis(t)
	store := queue.NewMemoryStore()
	ctx := context.Background()

	// A worker crashed mid-delivery of the last allowed attempt.
	orphan := `{"kind":"price-revalidate","key":"line-l7","payload":"e30=","attempt":1,"max_attempts":2,"available_at":0}`
	require.NoError(t, client.ZAdd(ctx, "t6:processing:"+queue.KindPriceRevalidate, redis.Z{
		Score:  float64(time.Now().Add(-time.Minute).UnixNano()),
		Member: orphan,
	}).Err())

	delivered := make(chan struct{}, 1)
	startWorker(t, queue.Worker{
		R:      client,
		Prefix: "t6",
		Kind:   queue.KindPriceRevalidate,
		Store:  store,
		Handler: func(context.Context, queue.Task) error {
			delivered <- struct{}{}
			return nil
		},
	})

	require.Eventually(t, func() bool {
		n, err := store.Count(ctx, queue.KindPriceRevalidate)
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)

	entries, err := store.List(ctx, queue.KindPriceRevalidate, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 2, entries[0].Attempts)
	require.Contains(t, *entries[0].LastError, "visibility timeout")
	require.Empty(t, delivered)

	left, err := client.ZCard(ctx, "t6:processing:"+queue.KindPriceRevalidate).Result()
	require.NoError(t, err)
	require.Zero(t, left)
}
