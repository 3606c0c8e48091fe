package queue

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrStoreUnavailable indicates the DLQ store dependency is not configured.
	ErrStoreUnavailable = errors.New("queue: store unavailable")
	// ErrDLQEntryNotFound is returned when a DLQ id does not exist.
	ErrDLQEntryNotFound = errors.New("queue: dlq entry not found")
)

// Store persists dead-lettered tasks.
type Store interface {
	Insert(ctx context.Context, entry DLQEntry) (uuid.UUID, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (DLQEntry, error)
	List(ctx context.Context, kind string, limit, offset int) ([]DLQEntry, error)
	Count(ctx context.Context, kind string) (int64, error)
}

// DLQEntry is a task that exhausted its attempts. Payload holds the encoded
// queue message so it can be replayed as is.
type DLQEntry struct {
	ID             uuid.UUID `json:"id"`
	Kind           string    `json:"kind"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Payload        []byte    `json:"-"`
	Attempts       int       `json:"attempts"`
	LastError      *string   `json:"lastError,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PGStore keeps the DLQ in the queue_dlq table.
type PGStore struct {
	Pool *pgxpool.Pool
}

// NewPGStore constructs a Store backed by a pgx connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{Pool: pool}
}

const dlqColumns = `id, kind, idem_key, payload, attempts, last_error, created_at`

func (s *PGStore) Insert(ctx context.Context, entry DLQEntry) (uuid.UUID, error) {
	if s == nil || s.Pool == nil {
		return uuid.Nil, ErrStoreUnavailable
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO queue_dlq (id, kind, idem_key, payload, attempts, last_error)
VALUES ($1, $2, $3, $4, $5, $6)`, entry.ID, entry.Kind, entry.IdempotencyKey, entry.Payload, entry.Attempts, entry.LastError)
	if err != nil {
		return uuid.Nil, err
	}
	return entry.ID, nil
}

func (s *PGStore) Delete(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.Pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.Pool.Exec(ctx, `DELETE FROM queue_dlq WHERE id = $1`, id)
	return err
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (DLQEntry, error) {
	if s == nil || s.Pool == nil {
		return DLQEntry{}, ErrStoreUnavailable
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+dlqColumns+` FROM queue_dlq WHERE id = $1`, id)
	if err != nil {
		return DLQEntry{}, err
	}
	entry, err := pgx.CollectExactlyOneRow(rows, scanDLQ)
	if errors.Is(err, pgx.ErrNoRows) {
		return DLQEntry{}, ErrDLQEntryNotFound
	}
	return entry, err
}

func (s *PGStore) List(ctx context.Context, kind string, limit, offset int) ([]DLQEntry, error) {
	if s == nil || s.Pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampPositive(limit, 1, 500)
	if offset < 0 {
		offset = 0
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+dlqColumns+` FROM queue_dlq
WHERE ($1 = '' OR kind = $1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`, strings.TrimSpace(kind), limit, offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanDLQ)
}

func (s *PGStore) Count(ctx context.Context, kind string) (int64, error) {
	if s == nil || s.Pool == nil {
		return 0, ErrStoreUnavailable
	}
	var total int64
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_dlq WHERE ($1 = '' OR kind = $1)`, strings.TrimSpace(kind)).Scan(&total)
	return total, err
}

func scanDLQ(row pgx.CollectableRow) (DLQEntry, error) {
	var entry DLQEntry
	err := row.Scan(&entry.ID, &entry.Kind, &entry.IdempotencyKey, &entry.Payload, &entry.Attempts, &entry.LastError, &entry.CreatedAt)
	return entry, err
}

func clampPositive(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]DLQEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]DLQEntry)}
}

func (m *MemoryStore) Insert(_ context.Context, entry DLQEntry) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.entries[entry.ID] = entry
	return entry.ID, nil
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return DLQEntry{}, ErrDLQEntryNotFound
	}
	return entry, nil
}

func (m *MemoryStore) List(_ context.Context, kind string, limit, offset int) ([]DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]DLQEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		if kind != "" && entry.Kind != kind {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []DLQEntry{}, nil
	}
	if limit <= 0 {
		limit = len(entries)
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	return append([]DLQEntry(nil), entries[offset:end]...), nil
}

func (m *MemoryStore) Count(_ context.Context, kind string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, entry := range m.entries {
		if kind == "" || entry.Kind == kind {
			total++
		}
	}
	return total, nil
}
