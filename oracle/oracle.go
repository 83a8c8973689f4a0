// Package oracle derives real-time bid floors from an external market
// signal. The adapter never returns an error to callers: a failed signal
// read degrades to the last cached quote, and a cold cache degrades to a
// neutral baseline quote, so an oracle outage lowers bid quality but never
// halts bidding.
package oracle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cloudx-io/leadauction/core"
)

// Quote sources, in decreasing order of freshness.
const (
	SourceSignal   = "signal"
	SourceCache    = "cache"
	SourceStale    = "stale_cache"
	SourceFallback = "fallback"
)

// maxDeviation bounds the market multiplier at ±20% around the baseline.
const maxDeviation = 0.20

// Quote is the floor-price answer for one (category, country) pair.
type Quote struct {
	Floor      float64 `json:"floor"`
	Ceiling    float64 `json:"ceiling"`
	Confidence float64 `json:"confidence"`
	Stale      bool    `json:"stale"`
	Source     string  `json:"source"`
}

// SignalSource reads one numeric market signal from an external feed.
// Reads may be slow or fail; the adapter handles both.
type SignalSource interface {
	Read(ctx context.Context) (float64, error)
}

// BaseRate is a static floor/ceiling row before the market multiplier.
type BaseRate struct {
	Floor   float64
	Ceiling float64
}

// RateTable maps "category|country" to base rates. The empty key is the
// global default row used when no specific entry exists.
type RateTable map[string]BaseRate

// RateKey builds a table key for a (category, country) pair.
func RateKey(category, country string) string {
	return fmt.Sprintf("%s|%s", category, country)
}

// DefaultRateTable covers the launch verticals. Values are per-lead USD.
func DefaultRateTable() RateTable {
	return RateTable{
		RateKey("solar", "US"):     {Floor: 35, Ceiling: 180},
		RateKey("solar", "AU"):     {Floor: 25, Ceiling: 140},
		RateKey("roofing", "US"):   {Floor: 20, Ceiling: 120},
		RateKey("mortgage", "US"):  {Floor: 30, Ceiling: 200},
		RateKey("insurance", "US"): {Floor: 15, Ceiling: 90},
		"":                         {Floor: 10, Ceiling: 100},
	}
}

type cachedQuote struct {
	quote     Quote
	fetchedAt time.Time
}

// Adapter computes floor quotes with a short-TTL cache and graceful
// degradation. The clock is injected so TTL behavior is testable.
type Adapter struct {
	source   SignalSource
	table    RateTable
	baseline float64
	ttl      time.Duration
	clock    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedQuote
}

// NewAdapter builds an adapter over the given signal source and base table.
// baseline is the signal value at which the multiplier is exactly 1.0; ttl
// controls how long a computed quote stays fresh. A nil clock uses time.Now.
func NewAdapter(source SignalSource, table RateTable, baseline float64, ttl time.Duration, clock func() time.Time) *Adapter {
	if clock == nil {
		clock = time.Now
	}
	return &Adapter{
		source:   source,
		table:    table,
		baseline: baseline,
		ttl:      ttl,
		clock:    clock,
		cache:    make(map[string]cachedQuote),
	}
}

// GetBidFloor resolves the floor quote for a (category, country) pair.
// It always resolves:
//   - fresh cache hit → cached quote
//   - signal read ok → newly computed quote, cached
//   - signal read fails with a cached quote → cached quote marked stale
//   - signal read fails cold → neutral multiplier over the base table
func (a *Adapter) GetBidFloor(ctx context.Context, category, country string) Quote {
	key := RateKey(category, country)
	now := a.clock()

	a.mu.Lock()
	cached, hasCached := a.cache[key]
	a.mu.Unlock()

	if hasCached && now.Sub(cached.fetchedAt) < a.ttl {
		quote := cached.quote
		quote.Source = SourceCache
		return quote
	}

	signal, err := a.source.Read(ctx)
	if err != nil {
		log.Printf("WARNING: oracle signal read failed for %s: %v", key, err)
		if hasCached {
			quote := cached.quote
			quote.Stale = true
			quote.Confidence = 0.5
			quote.Source = SourceStale
			return quote
		}
		quote := a.computeQuote(category, country, 1.0)
		quote.Confidence = 0.2
		quote.Source = SourceFallback
		return quote
	}

	quote := a.computeQuote(category, country, a.multiplier(signal))
	quote.Confidence = 1.0
	quote.Source = SourceSignal

	a.mu.Lock()
	a.cache[key] = cachedQuote{quote: quote, fetchedAt: now}
	a.mu.Unlock()

	return quote
}

// multiplier converts a raw signal into a bounded multiplier, clamping the
// deviation from baseline to ±maxDeviation.
func (a *Adapter) multiplier(signal float64) float64 {
	if a.baseline <= 0 {
		return 1.0
	}
	m := signal / a.baseline
	if m > 1.0+maxDeviation {
		return 1.0 + maxDeviation
	}
	if m < 1.0-maxDeviation {
		return 1.0 - maxDeviation
	}
	return m
}

func (a *Adapter) computeQuote(category, country string, multiplier float64) Quote {
	rate, ok := a.table[RateKey(category, country)]
	if !ok {
		rate = a.table[""]
	}
	// core.MulAmount keeps quoted prices at monetary precision; float
	// multiplication alone leaves representation noise (110.00000000000001).
	return Quote{
		Floor:   core.MulAmount(rate.Floor, multiplier),
		Ceiling: core.MulAmount(rate.Ceiling, multiplier),
	}
}
