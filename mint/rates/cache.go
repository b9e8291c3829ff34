package rates

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/elnosh/fiatnuts/cashu"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL          = 300 * time.Second
	DefaultFetchTimeout = 5 * time.Second

	// digits kept after the point when synthesizing a bridged rate
	bridgePrecision = 18
)

type EntrySource int

const (
	Direct EntrySource = iota
	Bridge
)

func (s EntrySource) String() string {
	switch s {
	case Direct:
		return "direct"
	case Bridge:
		return "bridge"
	default:
		return "unknown"
	}
}

// RateEntry is the price of one bitcoin in the major
// denomination of Unit at FetchedAt.
type RateEntry struct {
	Unit      string          `json:"unit"`
	Rate      decimal.Decimal `json:"rate"`
	FetchedAt time.Time       `json:"fetched_at"`
	Source    EntrySource     `json:"-"`
	// Anchor is set for bridged entries
	Anchor string `json:"anchor,omitempty"`
}

// entries are replaced whole, never mutated in place.
type slot struct {
	entry atomic.Pointer[RateEntry]
}

// Cache keeps one rate per unit for a bounded time and makes sure
// there is at most one upstream fetch in flight per unit.
// The set of units is fixed at construction so the slot table
// itself needs no lock and unrelated units never contend.
type Cache struct {
	source       Source
	anchor       string
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	slots   map[string]*slot
	flights singleflight.Group
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

func WithFetchTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		c.fetchTimeout = timeout
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache creates a cache for units. The anchor always gets a slot since
// its feed is needed to bridge every unit without a direct quote.
func NewCache(source Source, units []string, anchor string, opts ...Option) (*Cache, error) {
	if source == nil {
		return nil, errors.New("rate source cannot be nil")
	}
	anchor = cashu.NormalizeUnitCode(anchor)
	if len(anchor) == 0 {
		return nil, errors.New("anchor currency cannot be empty")
	}
	if anchor == cashu.SatCode {
		return nil, errors.New("anchor currency cannot be sat")
	}

	cache := &Cache{
		source:       source,
		anchor:       anchor,
		ttl:          DefaultTTL,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		slots:        map[string]*slot{anchor: {}},
	}
	for _, opt := range opts {
		opt(cache)
	}

	for _, unit := range units {
		unit = cashu.NormalizeUnitCode(unit)
		if len(unit) == 0 || unit == cashu.SatCode {
			continue
		}
		if _, ok := cache.slots[unit]; !ok {
			cache.slots[unit] = &slot{}
		}
	}

	return cache, nil
}

func (c *Cache) Anchor() string {
	return c.anchor
}

// GetRate returns a fresh rate for unit, fetching it if the cached
// entry is missing or older than the ttl. Callers pricing a live
// conversion must use this and never a stale value.
func (c *Cache) GetRate(ctx context.Context, unit string) (RateEntry, error) {
	return c.getRate(ctx, unit, false)
}

// GetRateAllowStale behaves like GetRate but falls back to the last known
// entry if the fetch fails. Only for read-only reporting.
func (c *Cache) GetRateAllowStale(ctx context.Context, unit string) (RateEntry, error) {
	return c.getRate(ctx, unit, true)
}

// Entries returns the current cached entries without fetching.
func (c *Cache) Entries() []RateEntry {
	entries := make([]RateEntry, 0, len(c.slots))
	for _, s := range c.slots {
		if entry := s.entry.Load(); entry != nil {
			entries = append(entries, *entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Unit < entries[j].Unit
	})
	return entries
}

func (c *Cache) getRate(ctx context.Context, unit string, allowStale bool) (RateEntry, error) {
	unit = cashu.NormalizeUnitCode(unit)
	s, ok := c.slots[unit]
	if !ok {
		return RateEntry{}, fmt.Errorf("%w: %v", cashu.UnitNotSupportedErr, unit)
	}

	if entry := s.entry.Load(); entry != nil && c.fresh(entry) {
		return *entry, nil
	}

	entry, err := c.fetch(ctx, unit, s)
	if err != nil {
		if stale := s.entry.Load(); allowStale && stale != nil {
			c.logger.Warn("serving stale rate", "unit", unit, "fetched_at", stale.FetchedAt, "error", err)
			return *stale, nil
		}
		return RateEntry{}, fmt.Errorf("%w: %v: %v", cashu.RateUnavailableErr, unit, err)
	}

	return entry, nil
}

func (c *Cache) fresh(entry *RateEntry) bool {
	return c.now().Sub(entry.FetchedAt) < c.ttl
}

// fetch joins the single in-flight fetch for unit. The fetch runs
// detached from ctx so a caller giving up does not abort it for the
// other waiters; the entry still lands in the cache when it completes.
func (c *Cache) fetch(ctx context.Context, unit string, s *slot) (RateEntry, error) {
	resultChan := c.flights.DoChan(unit, func() (any, error) {
		// another flight may have just refreshed it
		if entry := s.entry.Load(); entry != nil && c.fresh(entry) {
			return *entry, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		entry, err := c.fetchEntry(fetchCtx, unit)
		if err != nil {
			c.logger.Error("could not fetch rate", "unit", unit, "error", err)
			return nil, err
		}

		s.entry.Store(&entry)
		c.logger.Debug("rate updated", "unit", unit, "rate", entry.Rate.String(), "source", entry.Source.String())
		return entry, nil
	})

	select {
	case result := <-resultChan:
		if result.Err != nil {
			return RateEntry{}, result.Err
		}
		return result.Val.(RateEntry), nil
	case <-ctx.Done():
		return RateEntry{}, ctx.Err()
	}
}

func (c *Cache) fetchEntry(ctx context.Context, unit string) (RateEntry, error) {
	price, err := c.source.BTCPrice(ctx, unit)
	if err == nil {
		if !price.IsPositive() {
			return RateEntry{}, fmt.Errorf("%w: btc/%v = %v", ErrMalformedRate, unit, price)
		}
		return RateEntry{Unit: unit, Rate: price, FetchedAt: c.now(), Source: Direct}, nil
	}

	// only worth bridging when the source cannot quote the unit at all
	if !errors.Is(err, ErrCurrencyNotSupported) || unit == c.anchor {
		return RateEntry{}, err
	}

	c.logger.Debug("no direct quote, bridging through anchor", "unit", unit, "anchor", c.anchor)

	anchorEntry, err := c.GetRate(ctx, c.anchor)
	if err != nil {
		return RateEntry{}, fmt.Errorf("could not bridge %v: %w", unit, err)
	}

	crossRate, err := c.source.CrossRate(ctx, unit, c.anchor)
	if err != nil {
		return RateEntry{}, fmt.Errorf("could not get cross rate %v/%v: %w", unit, c.anchor, err)
	}
	if !crossRate.IsPositive() {
		return RateEntry{}, fmt.Errorf("%w: %v/%v = %v", ErrMalformedRate, unit, c.anchor, crossRate)
	}

	// a bridged rate is only as fresh as the anchor quote it is built on
	return RateEntry{
		Unit:      unit,
		Rate:      anchorEntry.Rate.DivRound(crossRate, bridgePrecision),
		FetchedAt: anchorEntry.FetchedAt,
		Source:    Bridge,
		Anchor:    c.anchor,
	}, nil
}
