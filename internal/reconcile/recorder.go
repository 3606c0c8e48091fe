package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-blinds/internal/cart"
	"github.com/noah-isme/backend-blinds/internal/obs"
	"github.com/noah-isme/backend-blinds/internal/pricing"
	"github.com/noah-isme/backend-blinds/internal/queue"
)

// Enqueuer schedules background tasks; queue.Enqueuer satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// RevalidatePayload is the body of a price-revalidate task.
type RevalidatePayload struct {
	CartID         string            `json:"cartId"`
	LineID         string            `json:"lineId"`
	ProductID      string            `json:"productId"`
	WidthInches    decimal.Decimal   `json:"widthInches"`
	HeightInches   decimal.Decimal   `json:"heightInches"`
	Customizations map[string]string `json:"customizations"`
	ClientPrice    pricing.Money     `json:"clientPrice"`
}

// Recorder writes cart price events to the ledger and schedules
// revalidation of lines added without a verified price.
type Recorder struct {
	Store  Store
	Queue  Enqueuer
	Logger zerolog.Logger
	Now    func() time.Time
}

var _ cart.Reconciler = (*Recorder)(nil)

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func eventFrom(kind Kind, ev cart.PriceEvent, at time.Time) Event {
	return Event{
		Kind:           kind,
		CartID:         ev.CartID,
		LineID:         ev.LineID,
		ProductID:      ev.ProductID,
		WidthInches:    ev.WidthInches,
		HeightInches:   ev.HeightInches,
		Customizations: ev.Customizations.Wire(),
		ClientPrice:    ev.ClientPrice,
		CreatedAt:      at,
	}
}

// RecordMismatch stores a corrected client price.
func (r *Recorder) RecordMismatch(ctx context.Context, ev cart.PriceEvent) error {
	row := eventFrom(KindMismatch, ev, r.now())
	calculated, diff := ev.CalculatedPrice, ev.Difference
	row.CalculatedPrice, row.Difference = &calculated, &diff
	if _, err := r.Store.Insert(ctx, row); err != nil {
		return err
	}
	obs.PriceReconciliationTotal.WithLabelValues(string(KindMismatch)).Inc()
	return nil
}

// FlagUnverified stores a fail-open line and enqueues its revalidation keyed
// by line id.
func (r *Recorder) FlagUnverified(ctx context.Context, ev cart.PriceEvent) error {
	if _, err := r.Store.Insert(ctx, eventFrom(KindFailOpen, ev, r.now())); err != nil {
		return err
	}
	obs.PriceReconciliationTotal.WithLabelValues(string(KindFailOpen)).Inc()
	if r.Queue == nil {
		r.Logger.Warn().Str("line_id", ev.LineID).Msg("price_revalidate_not_scheduled")
		return nil
	}
	payload, err := json.Marshal(RevalidatePayload{
		CartID:         ev.CartID,
		LineID:         ev.LineID,
		ProductID:      ev.ProductID,
		WidthInches:    ev.WidthInches,
		HeightInches:   ev.HeightInches,
		Customizations: ev.Customizations.Wire(),
		ClientPrice:    ev.ClientPrice,
	})
	if err != nil {
		return err
	}
	if err := r.Queue.Enqueue(ctx, queue.Task{
		Kind:           queue.KindPriceRevalidate,
		Payload:        payload,
		IdempotencyKey: ev.LineID,
	}); err != nil {
		return fmt.Errorf("enqueue revalidation: %w", err)
	}
	return nil
}
