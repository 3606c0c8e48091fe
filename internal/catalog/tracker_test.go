package catalog

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-blinds/internal/obs"
)

func TestTrackerDiscardsStaleLoad(t *testing.T) {
	tr := NewTracker()
	before := testutil.ToFloat64(obs.PricingStaleDiscardTotal)

	slow := tr.Begin("session-1")
	fast := tr.Begin("session-1")
	require.False(t, tr.Current(slow))
	require.True(t, tr.Current(fast))

	var applied []string
	require.True(t, tr.Commit(fast, func() { applied = append(applied, "fast") }))
	require.False(t, tr.Commit(slow, func() { applied = append(applied, "slow") }))
	require.Equal(t, []string{"fast"}, applied)
	require.Equal(t, before+1, testutil.ToFloat64(obs.PricingStaleDiscardTotal))
}

func TestTrackerKeysAreIndependent(t *testing.T) {
	tr := NewTracker()
	a := tr.Begin("a")
	b := tr.Begin("b")
	require.True(t, tr.Commit(a, nil))
	require.True(t, tr.Commit(b, nil))

	c := tr.Begin("a")
	tr.Forget("a")
	require.False(t, tr.Current(c))
}
