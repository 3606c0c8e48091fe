package configurator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-blinds/internal/catalog"
	"github.com/noah-isme/backend-blinds/internal/pricing"
	"github.com/noah-isme/backend-blinds/internal/upstream"
)

func fixtureLoader(t *testing.T) *catalog.Service {
	t.Helper()
	src, err := upstream.LoadFixture("../upstream/testdata/pricing.yaml", zerolog.Nop())
	require.NoError(t, err)
	svc, err := catalog.NewService(catalog.ServiceConfig{Source: src})
	require.NoError(t, err)
	return svc
}

// gatedLoader blocks loads of one product until released.
type gatedLoader struct {
	Loader
	slowID  string
	started chan struct{}
	release chan struct{}
}

func (g *gatedLoader) Load(ctx context.Context, id string) (catalog.Bundle, error) {
	if id == g.slowID {
		close(g.started)
		<-g.release
	}
	return g.Loader.Load(ctx, id)
}

func TestManagerQuote(t *testing.T) {
	m := NewManager(fixtureLoader(t), time.Minute, zerolog.Nop())
	ctx := context.Background()

	s, err := m.Open(ctx)
	require.NoError(t, err)

	_, err = m.Quote(s.ID, catalog.QuoteInput{})
	require.ErrorIs(t, err, ErrNoProduct)

	s, err = m.SelectProduct(ctx, s.ID, "roller-1")
	require.NoError(t, err)
	require.Equal(t, "roller-1", s.ProductID)
	require.Equal(t, pricing.Money(8000), s.FromPrice())

	q, err := m.Quote(s.ID, catalog.QuoteInput{
		Width:          pricing.Dimension{Whole: 36, Fraction: "1/4"},
		Height:         pricing.Dimension{Whole: 48},
		Customizations: pricing.Selection{pricing.ChainColor: "chrome"},
	})
	require.NoError(t, err)
	require.Equal(t, pricing.Money(12499), q.Total)

	_, err = m.SelectProduct(ctx, "missing", "roller-1")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerDiscardsSupersededSelection(t *testing.T) {
	gate := &gatedLoader{
		Loader:  fixtureLoader(t),
		slowID:  "vertical-1",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := NewManager(gate, time.Minute, zerolog.Nop())
	ctx := context.Background()
	s, err := m.Open(ctx)
	require.NoError(t, err)

	slowErr := make(chan error, 1)
	go func() {
		_, err := m.SelectProduct(ctx, s.ID, "vertical-1")
		slowErr <- err
	}()
	<-gate.started

	fast, err := m.SelectProduct(ctx, s.ID, "roller-1")
	require.NoError(t, err)
	require.Equal(t, "roller-1", fast.ProductID)

	close(gate.release)
	require.ErrorIs(t, <-slowErr, ErrSuperseded)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	require.Equal(t, "roller-1", got.ProductID, "stale load must not overwrite")
}

func TestManagerEvictsIdleSessions(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(fixtureLoader(t), 10*time.Minute, zerolog.Nop())
	m.Now = func() time.Time { return now }

	idle, err := m.Open(context.Background())
	require.NoError(t, err)
	now = now.Add(5 * time.Minute)
	active, err := m.Open(context.Background())
	require.NoError(t, err)

	now = now.Add(6 * time.Minute)
	require.Equal(t, 1, m.Evict())
	_, err = m.Get(idle.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Get(active.ID)
	require.NoError(t, err)

	m.Close(active.ID)
	_, err = m.Get(active.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}
