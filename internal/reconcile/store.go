package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-blinds/internal/pricing"
)

// ErrStoreUnavailable indicates the ledger is not configured.
var ErrStoreUnavailable = errors.New("reconcile: store unavailable")

// Kind classifies a ledger event.
type Kind string

const (
	// KindMismatch is a client price corrected by the validator.
	KindMismatch Kind = "mismatch"
	// KindFailOpen is a line added at an unverified price.
	KindFailOpen Kind = "fail_open"
	// KindRevalidated is a fail-open line later priced by the validator.
	KindRevalidated Kind = "revalidated"
)

// Event is one row of the reconciliation ledger.
type Event struct {
	ID              uuid.UUID         `json:"id"`
	Kind            Kind              `json:"kind"`
	CartID          string            `json:"cartId"`
	LineID          string            `json:"lineId"`
	ProductID       string            `json:"productId"`
	WidthInches     decimal.Decimal   `json:"widthInches"`
	HeightInches    decimal.Decimal   `json:"heightInches"`
	Customizations  map[string]string `json:"customizations"`
	ClientPrice     pricing.Money     `json:"clientPrice"`
	CalculatedPrice *pricing.Money    `json:"calculatedPrice,omitempty"`
	Difference      *pricing.Money    `json:"difference,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	ResolvedAt      *time.Time        `json:"resolvedAt,omitempty"`
}

// Filter narrows List results. A zero Filter lists everything.
type Filter struct {
	Kind       Kind
	Unresolved bool
	Limit      int
}

// Store persists ledger events.
type Store interface {
	Insert(ctx context.Context, ev Event) (uuid.UUID, error)
	// Resolve marks the open fail-open events of a line as resolved.
	Resolve(ctx context.Context, lineID string, at time.Time) (int64, error)
	List(ctx context.Context, f Filter) ([]Event, error)
}

// PGStore keeps the ledger in the price_reconciliations table.
type PGStore struct {
	Pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{Pool: pool}
}

const eventColumns = `id, kind, cart_id, line_id, product_id, width_inches::text, height_inches::text,
customizations, client_price, calculated_price, difference, created_at, resolved_at`

func (s *PGStore) Insert(ctx context.Context, ev Event) (uuid.UUID, error) {
	if s == nil || s.Pool == nil {
		return uuid.Nil, ErrStoreUnavailable
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	custom, err := json.Marshal(ev.Customizations)
	if err != nil {
		return uuid.Nil, err
	}
	_, err = s.Pool.Exec(ctx, `INSERT INTO price_reconciliations
(id, kind, cart_id, line_id, product_id, width_inches, height_inches, customizations, client_price, calculated_price, difference)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11)`,
		ev.ID, string(ev.Kind), ev.CartID, ev.LineID, ev.ProductID,
		ev.WidthInches.String(), ev.HeightInches.String(), custom,
		ev.ClientPrice, ev.CalculatedPrice, ev.Difference)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert reconciliation: %w", err)
	}
	return ev.ID, nil
}

func (s *PGStore) Resolve(ctx context.Context, lineID string, at time.Time) (int64, error) {
	if s == nil || s.Pool == nil {
		return 0, ErrStoreUnavailable
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE price_reconciliations SET resolved_at = $2
WHERE line_id = $1 AND kind = 'fail_open' AND resolved_at IS NULL`, lineID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]Event, error) {
	if s == nil || s.Pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+eventColumns+` FROM price_reconciliations
WHERE ($1 = '' OR kind = $1) AND (NOT $2 OR resolved_at IS NULL)
ORDER BY created_at DESC LIMIT $3`, string(f.Kind), f.Unresolved, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanEvent)
}

func scanEvent(row pgx.CollectableRow) (Event, error) {
	var (
		ev     Event
		kind   string
		width  string
		height string
		custom []byte
	)
	err := row.Scan(&ev.ID, &kind, &ev.CartID, &ev.LineID, &ev.ProductID, &width, &height,
		&custom, &ev.ClientPrice, &ev.CalculatedPrice, &ev.Difference, &ev.CreatedAt, &ev.ResolvedAt)
	if err != nil {
		return Event{}, err
	}
	ev.Kind = Kind(kind)
	if ev.WidthInches, err = decimal.NewFromString(width); err != nil {
		return Event{}, err
	}
	if ev.HeightInches, err = decimal.NewFromString(height); err != nil {
		return Event{}, err
	}
	if len(custom) > 0 {
		if err := json.Unmarshal(custom, &ev.Customizations); err != nil {
			return Event{}, err
		}
	}
	return ev, nil
}

// MemoryStore is an in-process ledger for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Insert(_ context.Context, ev Event) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *MemoryStore) Resolve(_ context.Context, lineID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.events {
		ev := &m.events[i]
		if ev.LineID == lineID && ev.Kind == KindFailOpen && ev.ResolvedAt == nil {
			resolved := at
			ev.ResolvedAt = &resolved
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for _, ev := range m.events {
		if f.Kind != "" && ev.Kind != f.Kind {
			continue
		}
		if f.Unresolved && ev.ResolvedAt != nil {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
