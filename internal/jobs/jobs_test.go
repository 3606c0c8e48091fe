package jobs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-blinds/internal/catalog"
	"github.com/noah-isme/backend-blinds/internal/jobs"
	"github.com/noah-isme/backend-blinds/internal/upstream"
)

type fakeWarmer struct {
	calls []string
	errs  map[string]error
}

func (f *fakeWarmer) Warm(_ context.Context, productID string) error {
	f.calls = append(f.calls, productID)
	return f.errs[productID]
}

func TestNewWarmTask(t *testing.T) {
	task, err := jobs.NewWarmTask(" roller-1 ")
	require.NoError(t, err)
	require.Equal(t, jobs.TypeCatalogWarm, task.Type())
	require.JSONEq(t, `{"productId":"roller-1"}`, string(task.Payload()))

	all, err := jobs.NewWarmTask("")
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(all.Payload()))
}

func TestWarmHandler(t *testing.T) {
	t.Run("single product from payload", func(t *testing.T) {
		w := &fakeWarmer{}
		h := &jobs.WarmHandler{Catalog: w, Products: []string{"a", "b"}, Logger: zerolog.Nop()}
		task, err := jobs.NewWarmTask("roller-1")
		require.NoError(t, err)
		require.NoError(t, h.ProcessTask(context.Background(), task))
		require.Equal(t, []string{"roller-1"}, w.calls)
	})

	t.Run("configured set skips unknown products", func(t *testing.T) {
		w := &fakeWarmer{errs: map[string]error{"gone": catalog.ErrProductNotFound}}
		h := &jobs.WarmHandler{Catalog: w, Products: []string{"a", "gone", "b"}, Logger: zerolog.Nop()}
		task, err := jobs.NewWarmTask("")
		require.NoError(t, err)
		require.NoError(t, h.ProcessTask(context.Background(), task))
		require.Equal(t, []string{"a", "gone", "b"}, w.calls)
	})

	t.Run("upstream failure is retried", func(t *testing.T) {
		w := &fakeWarmer{errs: map[string]error{"b": upstream.ErrUnavailable}}
		h := &jobs.WarmHandler{Catalog: w, Products: []string{"a", "b"}, Logger: zerolog.Nop()}
		task, err := jobs.NewWarmTask("")
		require.NoError(t, err)
		err = h.ProcessTask(context.Background(), task)
		require.ErrorIs(t, err, upstream.ErrUnavailable)
		require.False(t, errors.Is(err, asynq.SkipRetry))
	})

	t.Run("garbage payload is not retried", func(t *testing.T) {
		h := &jobs.WarmHandler{Catalog: &fakeWarmer{}, Logger: zerolog.Nop()}
		err := h.ProcessTask(context.Background(), asynq.NewTask(jobs.TypeCatalogWarm, []byte("{")))
		require.ErrorIs(t, err, asynq.SkipRetry)
	})
}

func TestNewRunnerValidatesConfig(t *testing.T) {
	warm := &jobs.WarmHandler{Catalog: &fakeWarmer{}, Logger: zerolog.Nop()}

	_, err := jobs.NewRunner(jobs.RunnerConfig{RedisURL: "http://nope"}, warm, zerolog.Nop())
	require.Error(t, err)

	_, err = jobs.NewRunner(jobs.RunnerConfig{RedisURL: "redis://localhost:6379/0", WarmSchedule: "whenever"}, warm, zerolog.Nop())
	require.ErrorContains(t, err, "whenever")

	r, err := jobs.NewRunner(jobs.RunnerConfig{RedisURL: "redis://localhost:6379/0", WarmSchedule: "@every 15m"}, warm, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, r)
}
