package configurator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-blinds/internal/catalog"
	"github.com/noah-isme/backend-blinds/internal/pricing"
)

var (
	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = errors.New("configurator: session not found")
	// ErrSuperseded means a newer product selection replaced this one before
	// its pricing data arrived.
	ErrSuperseded = errors.New("configurator: selection superseded")
	// ErrNoProduct is returned when quoting a session with no product chosen.
	ErrNoProduct = errors.New("configurator: no product selected")
)

// Loader loads pricing bundles; *catalog.Service satisfies it.
type Loader interface {
	Load(ctx context.Context, productID string) (catalog.Bundle, error)
}

// Session is one shopper's configuration in progress.
type Session struct {
	ID        string          `json:"id"`
	ProductID string          `json:"productId,omitempty"`
	Bundle    *catalog.Bundle `json:"-"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// FromPrice is the session's "from" price, zero before a product loads.
func (s Session) FromPrice() pricing.Money {
	if s.Bundle == nil {
		return 0
	}
	return s.Bundle.MinimumPrice()
}

// Manager holds configurator sessions in memory and evicts idle ones.
type Manager struct {
	Loader  Loader
	Tracker *catalog.Tracker
	TTL     time.Duration
	Now     func() time.Time
	Logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs a Manager backed by loader.
func NewManager(loader Loader, ttl time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{Loader: loader, Tracker: catalog.NewTracker(), TTL: ttl, Logger: logger}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) ttl() time.Duration {
	if m.TTL <= 0 {
		return 30 * time.Minute
	}
	return m.TTL
}

// Open starts a new empty session.
func (m *Manager) Open(context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	s := &Session{ID: uuid.NewString(), UpdatedAt: m.now()}
	m.sessions[s.ID] = s
	return *s, nil
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupLocked(id)
	if err != nil {
		return Session{}, err
	}
	return *s, nil
}

func (m *Manager) lookupLocked(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if m.now().Sub(s.UpdatedAt) > m.ttl() {
		delete(m.sessions, id)
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// SelectProduct loads pricing data for productID and attaches it to the
// session. When the shopper switches product again before the load returns,
// the older load is discarded and reports ErrSuperseded.
func (m *Manager) SelectProduct(ctx context.Context, sessionID, productID string) (Session, error) {
	if _, err := m.Get(sessionID); err != nil {
		return Session{}, err
	}
	ticket := m.Tracker.Begin(sessionID)
	bundle, err := m.Loader.Load(ctx, productID)
	if err != nil {
		if !m.Tracker.Current(ticket) {
			return Session{}, ErrSuperseded
		}
		return Session{}, err
	}

	var (
		out    Session
		getErr error
	)
	committed := m.Tracker.Commit(ticket, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		s, err := m.lookupLocked(sessionID)
		if err != nil {
			getErr = err
			return
		}
		s.ProductID = productID
		s.Bundle = &bundle
		s.UpdatedAt = m.now()
		out = *s
	})
	if !committed {
		m.Logger.Debug().Str("session_id", sessionID).Str("product_id", productID).Msg("stale_pricing_discarded")
		return Session{}, ErrSuperseded
	}
	if getErr != nil {
		return Session{}, getErr
	}
	return out, nil
}

// Quote prices in against the session's product.
func (m *Manager) Quote(sessionID string, in catalog.QuoteInput) (catalog.Quote, error) {
	m.mu.Lock()
	s, err := m.lookupLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		return catalog.Quote{}, err
	}
	if s.Bundle == nil {
		m.mu.Unlock()
		return catalog.Quote{}, fmt.Errorf("session %s: %w", sessionID, ErrNoProduct)
	}
	bundle := *s.Bundle
	s.UpdatedAt = m.now()
	m.mu.Unlock()

	return catalog.QuoteFor(bundle, in)
}

// Close drops a session and abandons any load in flight for it.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	m.Tracker.Forget(sessionID)
}

// Evict removes sessions idle longer than the TTL and returns how many went.
func (m *Manager) Evict() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		if now.Sub(s.UpdatedAt) > m.ttl() {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Run evicts idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Evict(); n > 0 {
				m.Logger.Debug().Int("evicted", n).Msg("configurator_sessions_evicted")
			}
		}
	}
}
