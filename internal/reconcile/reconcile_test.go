package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-blinds/internal/cart"
	"github.com/noah-isme/backend-blinds/internal/catalog"
	"github.com/noah-isme/backend-blinds/internal/pricing"
	"github.com/noah-isme/backend-blinds/internal/queue"
	"github.com/noah-isme/backend-blinds/internal/upstream"
)

// switchValidator forwards to the fixture unless down is set.
type switchValidator struct {
	inner cart.Validator
	down  atomic.Bool
}

func (v *switchValidator) ValidatePrice(ctx context.Context, req upstream.ValidationRequest) (upstream.ValidationResponse, error) {
	if v.down.Load() {
		return upstream.ValidationResponse{}, upstream.ErrUnavailable
	}
	return v.inner.ValidatePrice(ctx, req)
}

// switchProducts forwards to the catalog unless down is set.
type switchProducts struct {
	inner cart.Products
	down  atomic.Bool
}

func (p *switchProducts) Load(ctx context.Context, productID string) (catalog.Bundle, error) {
	if p.down.Load() {
		return catalog.Bundle{}, upstream.ErrUnavailable
	}
	return p.inner.Load(ctx, productID)
}

type env struct {
	redis     *redis.Client
	enqueuer  queue.Enqueuer
	ledger    *MemoryStore
	validator *switchValidator
	carts     *cart.Service
	recorder  *Recorder
	reval     *Revalidator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fx, err := upstream.LoadFixture("../upstream/testdata/pricing.yaml", zerolog.Nop())
	require.NoError(t, err)
	products, err := catalog.NewService(catalog.ServiceConfig{Source: fx})
	require.NoError(t, err)

	e := &env{
		redis:     client,
		enqueuer:  queue.Enqueuer{R: client, Prefix: "q", MaxAttempts: 5},
		ledger:    NewMemoryStore(),
		validator: &switchValidator{inner: fx},
	}
	e.recorder = &Recorder{Store: e.ledger, Queue: e.enqueuer, Logger: zerolog.Nop()}
	e.carts = &cart.Service{
		Store:      cart.NewMemoryStore(),
		Products:   products,
		Validator:  e.validator,
		Reconciler: e.recorder,
		Epsilon:    1,
		Logger:     zerolog.Nop(),
	}
	e.reval = &Revalidator{Validator: e.validator, Carts: e.carts, Store: e.ledger, Logger: zerolog.Nop()}
	return e
}

func (e *env) addUnverified(t *testing.T) (cart.Cart, cart.LineItem) {
	t.Helper()
	ctx := context.Background()
	c, err := e.carts.Create(ctx)
	require.NoError(t, err)
	e.validator.down.Store(true)
	clientPrice := pricing.Money(12000)
	c, line, err := e.carts.AddItem(ctx, c.ID, cart.AddItemInput{
		ProductID:      "roller-1",
		Width:          pricing.Dimension{Whole: 36, Fraction: "1/4"},
		Height:         pricing.Dimension{Whole: 48},
		Customizations: pricing.Selection{pricing.Headrail: "platinum", pricing.HeadrailColour: "ice-white"},
		Quantity:       1,
		ClientPrice:    &clientPrice,
	})
	require.NoError(t, err)
	require.False(t, line.Verified)
	return c, line
}

func popTask(t *testing.T, e *env) queue.Task {
	t.Helper()
	res, err := e.redis.ZPopMin(context.Background(), "q:ready:"+queue.KindPriceRevalidate, 1).Result()
	require.NoError(t, err)
	require.Len(t, res, 1)
	var msg struct {
		Kind    string `json:"kind"`
		Key     string `json:"key"`
		Payload []byte `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(res[0].Member.(string)), &msg))
	return queue.Task{Kind: msg.Kind, IdempotencyKey: msg.Key, Payload: msg.Payload, Attempt: 1}
}

func TestRecorderFlagsAndDeduplicates(t *testing.T) {
	e := newEnv(t)
	_, line := e.addUnverified(t)

	depth, err := e.enqueuer.Depth(context.Background(), queue.KindPriceRevalidate)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	ev := cart.PriceEvent{LineID: line.ID, CartID: "c", ProductID: "other"}
	require.NoError(t, e.recorder.FlagUnverified(context.Background(), ev))
	depth, err = e.enqueuer.Depth(context.Background(), queue.KindPriceRevalidate)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth, "one pending revalidation per line")

	open, err := e.ledger.List(context.Background(), Filter{Kind: KindFailOpen, Unresolved: true})
	require.NoError(t, err)
	require.Len(t, open, 2)
	var original Event
	for _, row := range open {
		if row.ProductID == "roller-1" {
			original = row
		}
	}
	require.Equal(t, "platinum", original.Customizations["headrail"])
	require.Equal(t, "ice-white", original.Customizations["headrailColour"])
}

func TestRecorderStoresMismatch(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.recorder.RecordMismatch(context.Background(), cart.PriceEvent{
		LineID:          "l1",
		ClientPrice:     9999,
		CalculatedPrice: 13210,
		Difference:      3211,
	}))
	rows, err := e.ledger.List(context.Background(), Filter{Kind: KindMismatch})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, pricing.Money(3211), *rows[0].Difference)
}

func TestRevalidatorAppliesPrice(t *testing.T) {
	e := newEnv(t)
	c, line := e.addUnverified(t)
	task := popTask(t, e)
	require.Equal(t, line.ID, task.IdempotencyKey)

	err := e.reval.Handle(context.Background(), task)
	require.Error(t, err, "validator still down, queue must retry")
	require.ErrorIs(t, err, upstream.ErrUnavailable)

	e.validator.down.Store(false)
	require.NoError(t, e.reval.Handle(context.Background(), task))

	got, err := e.carts.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.True(t, got.Items[0].Verified)
	require.Equal(t, pricing.Money(13210), got.Items[0].UnitPrice)
	require.Equal(t, cart.PriceSourceServerCorrected, got.Items[0].PriceSource)

	open, err := e.ledger.List(context.Background(), Filter{Kind: KindFailOpen, Unresolved: true})
	require.NoError(t, err)
	require.Empty(t, open)
	done, err := e.ledger.List(context.Background(), Filter{Kind: KindRevalidated})
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, pricing.Money(1210), *done[0].Difference)
}

func TestRevalidatorCompletesLineAddedWithoutProductData(t *testing.T) {
	e := newEnv(t)
	products := &switchProducts{inner: e.carts.Products}
	e.carts.Products = products
	products.down.Store(true)
	c, line := e.addUnverified(t)
	require.Empty(t, line.Handle)
	task := popTask(t, e)

	err := e.reval.Handle(context.Background(), task)
	require.ErrorIs(t, err, upstream.ErrUnavailable, "product data still down, queue must retry")

	products.down.Store(false)
	e.validator.down.Store(false)
	require.NoError(t, e.reval.Handle(context.Background(), task))

	got, err := e.carts.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.True(t, got.Items[0].Verified)
	require.Equal(t, "classic-roller-blind", got.Items[0].Handle)
	require.Equal(t, "Classic Roller Blind", got.Items[0].Title)
	require.Equal(t, pricing.Money(13210), got.Items[0].UnitPrice)
}

func TestRevalidatorResolvesRemovedLine(t *testing.T) {
	e := newEnv(t)
	c, line := e.addUnverified(t)
	task := popTask(t, e)
	_, err := e.carts.RemoveItem(context.Background(), c.ID, line.ID)
	require.NoError(t, err)

	e.validator.down.Store(false)
	require.NoError(t, e.reval.Handle(context.Background(), task))
	open, err := e.ledger.List(context.Background(), Filter{Unresolved: true, Kind: KindFailOpen})
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestRevalidationThroughWorker(t *testing.T) {
	e := newEnv(t)
	c, _ := e.addUnverified(t)
	e.validator.down.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zerolog.Nop()
	worker := queue.Worker{
		R:         e.redis,
		Prefix:    "q",
		Kind:      queue.KindPriceRevalidate,
		Handler:   e.reval.Handle,
		RetryBase: 10 * time.Millisecond,
		Store:     queue.NewMemoryStore(),
		Logger:    &logger,
	}
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := e.carts.Get(context.Background(), c.ID)
		return err == nil && got.Items[0].Verified
	}, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestAdminList(t *testing.T) {
	e := newEnv(t)
	e.addUnverified(t)
	h := &AdminHandler{Store: e.ledger}

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/admin/reconciliations?kind=fail_open&unresolved=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"kind":"fail_open"`)

	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/admin/reconciliations?kind=bogus", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
