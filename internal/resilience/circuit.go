package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State represents the current breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

var stateNames = [...]string{Closed: "closed", Open: "open", HalfOpen: "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

const (
	defaultWindow = 30 * time.Second
	windowBuckets = 10
)

// Breaker opens when, within the rolling window, at least minRequests calls
// were seen and the failure ratio reached failureRatio. It then rejects calls
// for openFor and lets exactly one probe decide whether to close again.
type Breaker struct {
	mu           sync.Mutex
	state        State
	minRequests  int
	failureRatio float64
	openFor      time.Duration
	openedAt     time.Time
	// probeSince is set while the half-open probe is outstanding.
	probeSince time.Time
	outcomes   window
	target     string
	logger     zerolog.Logger
	now        func() time.Time
}

func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	return &Breaker{
		minRequests:  max(minRequests, 1),
		failureRatio: min(failureRatio, 1),
		openFor:      openFor,
		outcomes:     window{span: defaultWindow},
		logger:       zerolog.Nop(),
		now:          time.Now,
	}
}

// Allow reports whether a call may proceed. After the cool-off an open breaker
// turns half-open and admits one probe; a probe that never reports back is
// replaced after another openFor.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case Open:
		if now.Sub(b.openedAt) < b.openFor {
			return false
		}
		b.transitionLocked(ctx, HalfOpen)
		b.probeSince = now
		return true
	case HalfOpen:
		if !b.probeSince.IsZero() && now.Sub(b.probeSince) < b.openFor {
			return false
		}
		b.probeSince = now
		return true
	}
	return true
}

// Report records the outcome of an allowed call.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		if success {
			b.transitionLocked(ctx, Closed)
		} else {
			b.transitionLocked(ctx, Open)
		}
		return
	}

	now := b.now()
	b.outcomes.add(now, success)
	ok, failed := b.outcomes.totals(now)
	total := ok + failed
	if total >= b.minRequests && float64(failed) >= b.failureRatio*float64(total) {
		b.transitionLocked(ctx, Open)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// WithTarget sets the dependency name used in metric labels and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	observeState(b.name(), b.state)
	return b
}

// adoptTarget names an anonymous breaker after the client using it.
func (b *Breaker) adoptTarget(target string) {
	target = strings.TrimSpace(target)
	if target == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.target == "" {
		b.target = target
		observeState(target, b.state)
	}
}

// WithLogger configures the logger used for transition events.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
	return b
}

// WithWindow sets how far back outcomes count towards the failure ratio.
func (b *Breaker) WithWindow(d time.Duration) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > 0 {
		b.outcomes = window{span: d}
	}
	return b
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
	return b
}

func (b *Breaker) transitionLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.probeSince = time.Time{}
	b.outcomes.reset()
	if next == Open {
		b.openedAt = b.now()
	}

	name := b.name()
	observeState(name, next)
	observeTransition(name, prev, next)

	log := b.logger
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		log = *l
	}
	evt := log.Info().Str("target", name).Stringer("from_state", prev).Stringer("to_state", next)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) name() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

// window counts outcomes in windowBuckets slots of span/windowBuckets each.
type window struct {
	span    time.Duration
	buckets [windowBuckets]bucket
}

type bucket struct {
	slot     int64
	ok, fail int
}

func (w *window) slot(now time.Time) int64 {
	width := max(w.span/windowBuckets, time.Millisecond)
	return now.UnixNano() / int64(width)
}

func (w *window) add(now time.Time, success bool) {
	s := w.slot(now)
	bk := &w.buckets[s%windowBuckets]
	if bk.slot != s {
		*bk = bucket{slot: s}
	}
	if success {
		bk.ok++
	} else {
		bk.fail++
	}
}

func (w *window) totals(now time.Time) (ok, fail int) {
	cur := w.slot(now)
	for _, bk := range w.buckets {
		if bk.slot > cur-windowBuckets && bk.slot <= cur {
			ok += bk.ok
			fail += bk.fail
		}
	}
	return ok, fail
}

func (w *window) reset() { w.buckets = [windowBuckets]bucket{} }
