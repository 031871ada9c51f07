package flightcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/always-cache/flight-cache/cache"
	cachekey "github.com/always-cache/flight-cache/pkg/cache-key"
	"github.com/always-cache/flight-cache/pkg/clock"
)

func TestSearchRoundTrip(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	s := newStorage(clk, newDurable(t, clk), nil)
	want := searchResults{Flights: []string{"KQ100", "BA64"}}
	if _, err := s.StoreFlightSearch(ctx, nboLhr(), want); err != nil {
		t.Fatal(err)
	}
	lookup, err := s.GetFlightSearch(ctx, nboLhr())
	if err != nil {
		t.Fatal(err)
	}
	if lookup.Recovered || lookup.Tier != "session" {
		t.Fatalf("Lookup from %s, recovered %v", lookup.Tier, lookup.Recovered)
	}
	var got searchResults
	if err := lookup.Entry.Payload.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Flights) != 2 || got.Flights[0] != "KQ100" || got.Flights[1] != "BA64" {
		t.Fatalf("Got %+v", got)
	}
	if !lookup.Entry.SearchParams.Equal(nboLhr()) || lookup.Entry.SchemaVersion != SchemaVersion {
		t.Fatalf("Entry is %+v", lookup.Entry)
	}
}

func TestSearchKeyIgnoresFormatting(t *testing.T) {
	ctx := context.Background()
	s := newStorage(clock.NewManual(start), nil, nil)
	s.StoreFlightSearch(ctx, nboLhr(), searchResults{})
	fp := nboLhr()
	fp.Origin = " nbo"
	fp.CabinClass = "Economy"
	if _, err := s.GetFlightSearch(ctx, fp); err != nil {
		t.Fatalf("Equivalent search missed: %v", err)
	}
}

func TestExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	durable := newDurable(t, clk)
	s := newStorage(clk, durable, nil)
	s.StoreFlightSearch(ctx, nboLhr(), searchResults{})

	clk.Advance(DefaultSearchTTL - time.Millisecond)
	if _, err := s.GetFlightSearch(ctx, nboLhr()); err != nil {
		t.Fatalf("Entry expired early: %v", err)
	}
	clk.Advance(time.Millisecond)
	if _, err := s.GetFlightSearch(ctx, nboLhr()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected not found at expiry, got %v", err)
	}
	// expired entries are purged from every tier they were found in
	if n := s.session.(cache.MemCache).Len(); n != 0 {
		t.Fatalf("Session tier holds %d entries", n)
	}
	if n, _ := durable.Len(ctx); n != 0 {
		t.Fatalf("Durable tier holds %d entries", n)
	}
}

func TestDifferentSearchMisses(t *testing.T) {
	ctx := context.Background()
	s := newStorage(clock.NewManual(start), nil, nil)
	s.StoreFlightSearch(ctx, nboLhr(), searchResults{})
	fp := nboLhr()
	fp.Passengers.Children = 1
	if _, err := s.GetFlightSearch(ctx, fp); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected not found, got %v", err)
	}
}

func TestPromotionFromDurable(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	durable := newDurable(t, clk)
	newStorage(clk, durable, nil).StoreFlightSearch(ctx, nboLhr(), searchResults{Flights: []string{"KQ100"}})

	// a new tab: empty session tier, same durable tier
	s := newStorage(clk, durable, nil)
	lookup, err := s.GetFlightSearch(ctx, nboLhr())
	if err != nil {
		t.Fatal(err)
	}
	if !lookup.Recovered || lookup.Tier != "durable" {
		t.Fatalf("Lookup from %s, recovered %v", lookup.Tier, lookup.Recovered)
	}
	lookup, err = s.GetFlightSearch(ctx, nboLhr())
	if err != nil {
		t.Fatal(err)
	}
	if lookup.Recovered || lookup.Tier != "session" {
		t.Fatalf("Not promoted: lookup from %s, recovered %v", lookup.Tier, lookup.Recovered)
	}
}

func TestPromotionFromRemote(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	remote := cache.NewNamedMemCache("remote")
	newStorage(clk, newDurable(t, clk), remote).StoreFlightSearch(ctx, nboLhr(), searchResults{})

	// another device: its own session and durable tiers, same remote
	durable := newDurable(t, clk)
	s := newStorage(clk, durable, remote)
	lookup, err := s.GetFlightSearch(ctx, nboLhr())
	if err != nil {
		t.Fatal(err)
	}
	if !lookup.Recovered || lookup.Tier != "remote" {
		t.Fatalf("Lookup from %s, recovered %v", lookup.Tier, lookup.Recovered)
	}
	if _, ok, _ := durable.Get(ctx, cachekey.SearchKey(nboLhr())); !ok {
		t.Fatalf("Not promoted to durable tier")
	}
	if s.session.(cache.MemCache).Len() != 1 {
		t.Fatalf("Not promoted to session tier")
	}
}

func TestCorruptedDurableEntry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	durable := newDurable(t, clk)
	s := newStorage(clk, durable, nil)
	key := cachekey.SearchKey(nboLhr())
	if err := durable.PutBytes(ctx, key, start, start.Add(time.Hour), []byte("}{ definitely not json")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetFlightSearch(ctx, nboLhr()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected not found, got %v", err)
	}
	if n, _ := durable.Len(ctx); n != 0 {
		t.Fatalf("Corrupted entry not removed")
	}
}

func TestEntryUnderWrongKey(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	durable := newDurable(t, clk)
	s := newStorage(clk, durable, nil)

	other := nboLhr()
	other.Destination = "LGW"
	entry, err := newStorage(clk, nil, nil).StoreFlightSearch(ctx, other, searchResults{})
	if err != nil {
		t.Fatal(err)
	}
	if err := durable.Put(ctx, entry); err != nil {
		t.Fatal(err)
	}
	b, _ := entry.Encode()
	durable.PutBytes(ctx, cachekey.SearchKey(nboLhr()), start, start.Add(time.Hour), b)

	if _, err := s.GetFlightSearch(ctx, nboLhr()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Entry of another search returned: %v", err)
	}
	if _, ok, _ := durable.Get(ctx, cachekey.SearchKey(nboLhr())); ok {
		t.Fatalf("Misplaced entry not purged")
	}
	if _, ok, _ := durable.Get(ctx, cachekey.SearchKey(other)); !ok {
		t.Fatalf("Correctly placed entry purged")
	}
}

func TestUnavailableTierIsSkipped(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	remote := cache.NewNamedMemCache("remote")
	if _, err := newStorage(clk, brokenTier{}, remote).StoreFlightSearch(ctx, nboLhr(), searchResults{}); err != nil {
		t.Fatalf("Failing durable tier failed the store: %v", err)
	}
	s := newStorage(clk, brokenTier{}, remote)
	lookup, err := s.GetFlightSearch(ctx, nboLhr())
	if err != nil {
		t.Fatalf("Failing durable tier failed the read: %v", err)
	}
	if lookup.Tier != "remote" {
		t.Fatalf("Lookup from %s", lookup.Tier)
	}
	if _, err := newStorage(clk, brokenTier{}, nil).GetFlightSearch(ctx, nboLhr()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected not found, got %v", err)
	}
}

func TestSessionWriteFailure(t *testing.T) {
	s := CreateStorage(Config{Session: brokenTier{}, Clock: clock.NewManual(start), Logger: &nopLogger})
	_, err := s.StoreFlightSearch(context.Background(), nboLhr(), searchResults{})
	var tierErr *cache.TierError
	if !errors.As(err, &tierErr) || !errors.Is(err, errDown) {
		t.Fatalf("Error is %v", err)
	}
}

func TestPriceDeadline(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	s := newStorage(clk, nil, nil)
	quote := priceQuote{FlightID: "KQ100", Total: 84200, Currency: "KES"}

	entry, err := s.StoreFlightPrice(ctx, "KQ100", nboLhr(), quote, start.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if want := start.Add(5*time.Minute - DefaultPriceSafetyMargin); !entry.ExpiresAt.Equal(want) {
		t.Fatalf("Expires at %s, expected %s", entry.ExpiresAt, want)
	}

	entry, _ = s.StoreFlightPrice(ctx, "BA64", nboLhr(), quote, start.Add(time.Hour))
	if want := start.Add(DefaultPriceTTL); !entry.ExpiresAt.Equal(want) {
		t.Fatalf("Expires at %s, expected %s", entry.ExpiresAt, want)
	}
	entry, _ = s.StoreFlightPrice(ctx, "EK720", nboLhr(), quote, time.Time{})
	if want := start.Add(DefaultPriceTTL); !entry.ExpiresAt.Equal(want) {
		t.Fatalf("Expires at %s, expected %s", entry.ExpiresAt, want)
	}

	clk.Advance(5*time.Minute - DefaultPriceSafetyMargin)
	if _, err := s.GetFlightPrice(ctx, "KQ100", nboLhr()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected not found, got %v", err)
	}
	if _, err := s.GetFlightPrice(ctx, "BA64", nboLhr()); err != nil {
		t.Fatalf("Price with later deadline: %v", err)
	}
}

func TestPriceExpiresBeforeDeadlineByDefault(t *testing.T) {
	deadline := start.Add(5 * time.Minute)
	for _, margin := range []time.Duration{0, -time.Second} {
		s := CreateStorage(Config{PriceSafetyMargin: margin, Clock: clock.NewManual(start), Logger: &nopLogger})
		entry, err := s.StoreFlightPrice(context.Background(), "KQ100", nboLhr(), priceQuote{}, deadline)
		if err != nil {
			t.Fatal(err)
		}
		if !entry.ExpiresAt.Before(deadline) {
			t.Fatalf("Margin %s: expires at %s, deadline %s", margin, entry.ExpiresAt, deadline)
		}
		if want := deadline.Add(-DefaultPriceSafetyMargin); !entry.ExpiresAt.Equal(want) {
			t.Fatalf("Margin %s: expires at %s, expected %s", margin, entry.ExpiresAt, want)
		}
	}
}

func TestPriceAlreadyExpired(t *testing.T) {
	s := newStorage(clock.NewManual(start), nil, nil)
	_, err := s.StoreFlightPrice(context.Background(), "KQ100", nboLhr(), priceQuote{}, start.Add(10*time.Second))
	if !errors.Is(err, ErrAlreadyExpired) {
		t.Fatalf("Error is %v", err)
	}
}

func TestPricesArePerFlight(t *testing.T) {
	ctx := context.Background()
	s := newStorage(clock.NewManual(start), nil, nil)
	s.StoreFlightPrice(ctx, "KQ100", nboLhr(), priceQuote{FlightID: "KQ100"}, time.Time{})
	if _, err := s.GetFlightPrice(ctx, "BA64", nboLhr()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Price of another flight returned: %v", err)
	}
	lookup, err := s.GetFlightPrice(ctx, " KQ100 ", nboLhr())
	if err != nil {
		t.Fatal(err)
	}
	if lookup.Entry.FlightID != "KQ100" || lookup.Entry.Payload.Kind != cache.KindPrice {
		t.Fatalf("Entry is %+v", lookup.Entry)
	}
}

func TestClearCache(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	durable := newDurable(t, clk)
	s := newStorage(clk, durable, brokenTier{})
	s.StoreFlightSearch(ctx, nboLhr(), searchResults{})

	err := s.ClearCache(ctx)
	var tierErr *cache.TierError
	if !errors.As(err, &tierErr) || tierErr.Tier != "broken" {
		t.Fatalf("Error is %v", err)
	}
	// the failing tier does not stop the others from being cleared
	if n, _ := durable.Len(ctx); n != 0 {
		t.Fatalf("Durable tier holds %d entries", n)
	}
	if _, err := s.GetFlightSearch(ctx, nboLhr()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected not found, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	s := newStorage(clk, newDurable(t, clk), brokenTier{})
	s.StoreFlightSearch(ctx, nboLhr(), searchResults{})
	s.StoreFlightPrice(ctx, "KQ100", nboLhr(), priceQuote{}, time.Time{})
	clk.Advance(DefaultPriceTTL)

	status := s.Status(ctx, nboLhr())
	if len(status.Tiers) != 3 {
		t.Fatalf("Status has %d tiers", len(status.Tiers))
	}
	for _, tier := range status.Tiers[:2] {
		// expired price entries are listed too
		if len(tier.Entries) != 2 || tier.Error != "" {
			t.Fatalf("%s: %d entries, error %q", tier.Tier, len(tier.Entries), tier.Error)
		}
	}
	if status.Tiers[2].Error == "" {
		t.Fatalf("Failing tier reported no error")
	}
	if status.String() == "" {
		t.Fatalf("Empty status output")
	}
}
