package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
)

// stubSource returns a scripted signal value, or fails when failing is set.
type stubSource struct {
	signal  float64
	failing bool
	reads   int
}

func (s *stubSource) Read(_ context.Context) (float64, error) {
	s.reads++
	if s.failing {
		return 0, errors.New("feed unavailable")
	}
	return s.signal, nil
}

// fakeClock advances only when told to.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestAdapter(source SignalSource, clock *fakeClock) *Adapter {
	table := RateTable{
		RateKey("solar", "US"): {Floor: 100, Ceiling: 500},
		"":                     {Floor: 10, Ceiling: 100},
	}
	return NewAdapter(source, table, 1000, 30*time.Second, clock.Now)
}

func TestGetBidFloor_FreshSignal(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	source := &stubSource{signal: 1100} // +10%, inside clamp bounds
	adapter := newTestAdapter(source, clock)

	quote := adapter.GetBidFloor(context.Background(), "solar", "US")

	check.Equal(t, SourceSignal, quote.Source)
	check.False(t, quote.Stale)
	check.Equal(t, 1.0, quote.Confidence)
	check.Equal(t, 110.0, quote.Floor)
	check.Equal(t, 550.0, quote.Ceiling)
}

func TestGetBidFloor_MultiplierClamped(t *testing.T) {
	tests := []struct {
		name          string
		signal        float64
		expectedFloor float64
	}{
		{"spike clamped to +20%", 5000, 120},
		{"crash clamped to -20%", 100, 80},
		{"at baseline", 1000, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Now()}
			adapter := newTestAdapter(&stubSource{signal: tt.signal}, clock)

			quote := adapter.GetBidFloor(context.Background(), "solar", "US")
			check.Equal(t, tt.expectedFloor, quote.Floor)
		})
	}
}

func TestGetBidFloor_CacheWithinTTL(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	source := &stubSource{signal: 1000}
	adapter := newTestAdapter(source, clock)

	adapter.GetBidFloor(context.Background(), "solar", "US")
	clock.Advance(10 * time.Second)
	quote := adapter.GetBidFloor(context.Background(), "solar", "US")

	check.Equal(t, SourceCache, quote.Source)
	check.Equal(t, 1, source.reads)

	// Past the TTL the signal is read again.
	clock.Advance(21 * time.Second)
	quote = adapter.GetBidFloor(context.Background(), "solar", "US")
	check.Equal(t, SourceSignal, quote.Source)
	check.Equal(t, 2, source.reads)
}

func TestGetBidFloor_StaleFallbackOnFailure(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	source := &stubSource{signal: 1100}
	adapter := newTestAdapter(source, clock)

	fresh := adapter.GetBidFloor(context.Background(), "solar", "US")

	source.failing = true
	clock.Advance(time.Minute)
	stale := adapter.GetBidFloor(context.Background(), "solar", "US")

	check.True(t, stale.Stale)
	check.Equal(t, SourceStale, stale.Source)
	check.Equal(t, fresh.Floor, stale.Floor)
	check.Equal(t, 0.5, stale.Confidence)
}

func TestGetBidFloor_ColdFallbackOnFailure(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	adapter := newTestAdapter(&stubSource{failing: true}, clock)

	quote := adapter.GetBidFloor(context.Background(), "solar", "US")

	// Neutral multiplier over the base table, clearly marked as fallback.
	check.Equal(t, SourceFallback, quote.Source)
	check.Equal(t, 100.0, quote.Floor)
	check.Equal(t, 0.2, quote.Confidence)
}

func TestGetBidFloor_DefaultRow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	adapter := newTestAdapter(&stubSource{signal: 1000}, clock)

	quote := adapter.GetBidFloor(context.Background(), "hvac", "NZ")

	check.Equal(t, 10.0, quote.Floor)
	check.Equal(t, 100.0, quote.Ceiling)
}
