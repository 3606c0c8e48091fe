package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists whole cart documents. Writes replace the document and
// refresh its expiry.
type Store interface {
	Get(ctx context.Context, id string) (Cart, error)
	Put(ctx context.Context, c Cart, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// RedisStore keeps each cart as a JSON string with a TTL.
type RedisStore struct {
	R      *redis.Client
	Prefix string
}

func (s *RedisStore) key(id string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "cart"
	}
	return prefix + ":" + id
}

func (s *RedisStore) Get(ctx context.Context, id string) (Cart, error) {
	data, err := s.R.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Cart{}, ErrNotFound
		}
		return Cart{}, fmt.Errorf("load cart: %w", err)
	}
	var c Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return Cart{}, fmt.Errorf("decode cart %s: %w", id, err)
	}
	return c, nil
}

func (s *RedisStore) Put(ctx context.Context, c Cart, ttl time.Duration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.R.Set(ctx, s.key(c.ID), data, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.R.Del(ctx, s.key(id)).Err()
}

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	Now func() time.Time

	mu    sync.Mutex
	carts map[string]memoryEntry
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[string]memoryEntry)}
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryStore) Get(_ context.Context, id string) (Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.carts[id]
	if !ok || (!e.expires.IsZero() && m.now().After(e.expires)) {
		delete(m.carts, id)
		return Cart{}, ErrNotFound
	}
	var c Cart
	if err := json.Unmarshal(e.data, &c); err != nil {
		return Cart{}, err
	}
	return c, nil
}

func (m *MemoryStore) Put(_ context.Context, c Cart, ttl time.Duration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{data: data}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.carts[c.ID] = e
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, id)
	return nil
}
