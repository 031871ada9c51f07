package flightcache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/always-cache/flight-cache/cache"
	cachekey "github.com/always-cache/flight-cache/pkg/cache-key"
	"github.com/always-cache/flight-cache/pkg/clock"

	"github.com/rs/zerolog"
)

var (
	start     = time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	nopLogger = zerolog.Nop()
	errDown   = errors.New("tier down")
)

func nboLhr() cachekey.Fingerprint {
	return cachekey.Fingerprint{
		Origin:      "NBO",
		Destination: "LHR",
		DepartDate:  "2025-08-15",
		TripType:    cachekey.TripOneWay,
		Passengers:  cachekey.Passengers{Adults: 1},
		CabinClass:  "economy",
	}
}

type searchResults struct {
	Flights []string `json:"flights"`
}

type priceQuote struct {
	FlightID string `json:"flightId"`
	Total    int    `json:"total"`
	Currency string `json:"currency"`
}

// brokenTier fails every operation, like an unreachable remote.
type brokenTier struct{}

func (brokenTier) Name() string { return "broken" }
func (brokenTier) Get(context.Context, string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, errDown
}
func (brokenTier) Put(context.Context, cache.Entry) error              { return errDown }
func (brokenTier) Purge(context.Context, string) error                 { return errDown }
func (brokenTier) AllKeys(context.Context, string, func(string)) error { return errDown }
func (brokenTier) Clear(context.Context) error                         { return errDown }

func newDurable(t *testing.T, clk clock.Clock) *cache.SQLiteCache {
	t.Helper()
	s, err := cache.NewSQLiteCache(cache.SQLiteConfig{
		Filename: filepath.Join(t.TempDir(), "cache.db"),
		Clock:    clk,
		Logger:   &nopLogger,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newStorage(clk clock.Clock, durable, remote cache.Tier) *Storage {
	return CreateStorage(Config{
		Durable: durable,
		Remote:  remote,
		Clock:   clk,
		Logger:  &nopLogger,
	})
}
