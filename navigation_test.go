package flightcache

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/always-cache/flight-cache/cache"
	validator "github.com/always-cache/flight-cache/pkg/cache-validator"
	"github.com/always-cache/flight-cache/pkg/clock"
)

func TestSkipDetailsWithinTTL(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	s := newStorage(clk, nil, nil)
	nav := NewNavigator(s)
	fp := nboLhr()
	quote := priceQuote{FlightID: "KQ100", Total: 84200, Currency: "KES"}

	s.StoreFlightSearch(ctx, fp, searchResults{Flights: []string{"KQ100", "BA64"}})
	s.StoreFlightPrice(ctx, "KQ100", fp, quote, time.Time{})
	if err := nav.UpdateNavigationState(ctx, StepSearch, Params{Fingerprint: fp}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(5 * time.Minute)

	if !nav.ShouldSkipAPICall(ctx, StepDetails, Params{Fingerprint: fp, FlightID: "KQ100"}) {
		t.Fatalf("Details call not skipped")
	}
	res, entry := nav.ValidateFlightPriceCache(ctx, "KQ100")
	if !res.IsValid || entry == nil {
		t.Fatalf("Result is %s", res)
	}
	var got priceQuote
	if err := entry.Payload.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got != quote {
		t.Fatalf("Cached price changed: %+v", got)
	}

	changed := fp
	changed.DepartDate = "2025-08-16"
	if nav.ShouldSkipAPICall(ctx, StepDetails, Params{Fingerprint: changed, FlightID: "KQ100"}) {
		t.Fatalf("Details call skipped for another departure date")
	}
}

func TestNoSkipWithoutState(t *testing.T) {
	ctx := context.Background()
	s := newStorage(clock.NewManual(start), nil, nil)
	nav := NewNavigator(s)
	s.StoreFlightSearch(ctx, nboLhr(), searchResults{})
	if nav.ShouldSkipAPICall(ctx, StepSearch, Params{Fingerprint: nboLhr()}) {
		t.Fatalf("Skipped without navigation state")
	}
	nav.UpdateNavigationState(ctx, StepSearch, Params{Fingerprint: nboLhr()})
	if !nav.ShouldSkipAPICall(ctx, StepSearch, Params{Fingerprint: nboLhr()}) {
		t.Fatalf("Search not skipped")
	}
}

func TestNoSkipForOtherFlight(t *testing.T) {
	ctx := context.Background()
	s := newStorage(clock.NewManual(start), nil, nil)
	nav := NewNavigator(s)
	fp := nboLhr()
	s.StoreFlightPrice(ctx, "KQ100", fp, priceQuote{}, time.Time{})
	s.StoreFlightPrice(ctx, "BA64", fp, priceQuote{}, time.Time{})
	nav.UpdateNavigationState(ctx, StepSearch, Params{Fingerprint: fp})
	nav.UpdateNavigationState(ctx, StepDetails, Params{FlightID: "KQ100"})

	if !nav.ShouldSkipAPICall(ctx, StepDetails, Params{FlightID: "KQ100"}) {
		t.Fatalf("Details of the same flight not skipped")
	}
	if nav.ShouldSkipAPICall(ctx, StepDetails, Params{FlightID: "BA64"}) {
		t.Fatalf("Details of another flight skipped")
	}
	if nav.ShouldSkipAPICall(ctx, StepDetails, Params{}) {
		t.Fatalf("Details without flight skipped")
	}
}

func TestNoSkipForMissingOrExpiredCache(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	s := newStorage(clk, nil, nil)
	nav := NewNavigator(s)
	fp := nboLhr()
	nav.UpdateNavigationState(ctx, StepSearch, Params{Fingerprint: fp})
	if nav.ShouldSkipAPICall(ctx, StepDetails, Params{FlightID: "KQ100"}) {
		t.Fatalf("Skipped without cached price")
	}
	s.StoreFlightPrice(ctx, "KQ100", fp, priceQuote{}, start.Add(2*time.Minute))
	if !nav.ShouldSkipAPICall(ctx, StepDetails, Params{FlightID: "KQ100"}) {
		t.Fatalf("Not skipped with cached price")
	}
	clk.Advance(2*time.Minute - DefaultPriceSafetyMargin)
	if nav.ShouldSkipAPICall(ctx, StepDetails, Params{FlightID: "KQ100"}) {
		t.Fatalf("Skipped with expired price")
	}
}

func TestNeverSkipConfirmation(t *testing.T) {
	ctx := context.Background()
	s := newStorage(clock.NewManual(start), nil, nil)
	nav := NewNavigator(s)
	s.StoreFlightPrice(ctx, "KQ100", nboLhr(), priceQuote{}, time.Time{})
	nav.UpdateNavigationState(ctx, StepSearch, Params{Fingerprint: nboLhr()})
	nav.UpdateNavigationState(ctx, StepDetails, Params{FlightID: "KQ100"})
	nav.UpdateNavigationState(ctx, StepPayment, Params{FlightID: "KQ100"})
	if !nav.ShouldSkipAPICall(ctx, StepPayment, Params{FlightID: "KQ100"}) {
		t.Fatalf("Payment not skipped")
	}
	if nav.ShouldSkipAPICall(ctx, StepConfirmation, Params{FlightID: "KQ100"}) {
		t.Fatalf("Confirmation skipped")
	}
}

func TestNewSearchResetsFlow(t *testing.T) {
	ctx := context.Background()
	s := newStorage(clock.NewManual(start), nil, nil)
	nav := NewNavigator(s)
	nav.UpdateNavigationState(ctx, StepSearch, Params{Fingerprint: nboLhr()})
	nav.UpdateNavigationState(ctx, StepDetails, Params{FlightID: "KQ100"})
	nav.UpdateNavigationState(ctx, StepPayment, Params{FlightID: "KQ100"})

	other := nboLhr()
	other.DepartDate = "2025-08-16"
	nav.UpdateNavigationState(ctx, StepSearch, Params{Fingerprint: other})
	state := nav.State()
	if state.CurrentStep != StepSearch || len(state.LastParams) != 1 {
		t.Fatalf("State is %+v", state)
	}
	if !state.LastParams[StepSearch].Fingerprint.Equal(other) {
		t.Fatalf("Search is %+v", state.LastParams[StepSearch])
	}

	// a stale price of the old search must not be used for the new one
	s.StoreFlightPrice(ctx, "KQ100", nboLhr(), priceQuote{}, time.Time{})
	if nav.ShouldSkipAPICall(ctx, StepDetails, Params{FlightID: "KQ100"}) {
		t.Fatalf("Price of previous search used")
	}
	if res, _ := nav.ValidateFlightPriceCache(ctx, "KQ100"); res.Reason != validator.ReasonNotFound {
		t.Fatalf("Result is %s", res)
	}
}

func TestLaterStepWithOtherSearchResetsFlow(t *testing.T) {
	ctx := context.Background()
	nav := NewNavigator(newStorage(clock.NewManual(start), nil, nil))
	nav.UpdateNavigationState(ctx, StepSearch, Params{Fingerprint: nboLhr()})
	nav.UpdateNavigationState(ctx, StepDetails, Params{FlightID: "KQ100"})

	other := nboLhr()
	other.Destination = "LGW"
	nav.UpdateNavigationState(ctx, StepDetails, Params{Fingerprint: other, FlightID: "BA64"})
	state := nav.State()
	if !state.LastParams[StepSearch].Fingerprint.Equal(other) {
		t.Fatalf("Search is %+v", state.LastParams[StepSearch])
	}
	if state.LastParams[StepDetails].FlightID != "BA64" || len(state.LastParams) != 2 {
		t.Fatalf("State is %+v", state)
	}
}

func TestBackwardNavigationKeepsState(t *testing.T) {
	ctx := context.Background()
	nav := NewNavigator(newStorage(clock.NewManual(start), nil, nil))
	nav.UpdateNavigationState(ctx, StepSearch, Params{Fingerprint: nboLhr()})
	nav.UpdateNavigationState(ctx, StepDetails, Params{FlightID: "KQ100"})
	nav.UpdateNavigationState(ctx, StepPayment, Params{FlightID: "KQ100"})
	nav.UpdateNavigationState(ctx, StepDetails, Params{FlightID: "KQ100"})
	nav.UpdateNavigationState(ctx, StepSearch, Params{Fingerprint: nboLhr()})

	state := nav.State()
	if state.CurrentStep != StepSearch {
		t.Fatalf("Current step is %s", state.CurrentStep)
	}
	if state.LastParams[StepPayment].FlightID != "KQ100" {
		t.Fatalf("Forward state lost: %+v", state)
	}
}

func TestUpdateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	nav := NewNavigator(newStorage(clock.NewManual(start), nil, nil))
	nav.UpdateNavigationState(ctx, StepSearch, Params{Fingerprint: nboLhr()})
	nav.UpdateNavigationState(ctx, StepDetails, Params{FlightID: "KQ100"})
	before := nav.State()
	nav.UpdateNavigationState(ctx, StepDetails, Params{FlightID: "KQ100"})
	if after := nav.State(); !reflect.DeepEqual(before, after) {
		t.Fatalf("State changed: %+v -> %+v", before, after)
	}
}

func TestConfirmationEndsFlow(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	durable := newDurable(t, clk)
	s := newStorage(clk, durable, nil)
	nav := NewNavigator(s)
	s.StoreFlightSearch(ctx, nboLhr(), searchResults{})
	nav.UpdateNavigationState(ctx, StepSearch, Params{Fingerprint: nboLhr()})
	nav.UpdateNavigationState(ctx, StepDetails, Params{FlightID: "KQ100"})
	nav.UpdateNavigationState(ctx, StepPayment, Params{FlightID: "KQ100"})
	if err := nav.UpdateNavigationState(ctx, StepConfirmation, Params{FlightID: "KQ100"}); err != nil {
		t.Fatal(err)
	}

	state := nav.State()
	if state.CurrentStep != StepConfirmation || len(state.LastParams) != 0 {
		t.Fatalf("State is %+v", state)
	}
	if n := s.session.(cache.MemCache).Len(); n != 0 {
		t.Fatalf("Session tier holds %d entries", n)
	}
	if n, _ := durable.Len(ctx); n != 1 {
		t.Fatalf("Durable tier holds %d entries", n)
	}
	if nav.ShouldSkipAPICall(ctx, StepSearch, Params{Fingerprint: nboLhr()}) {
		t.Fatalf("Skipped after flow ended")
	}
}

func TestRecoveredSearch(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	durable := newDurable(t, clk)
	newStorage(clk, durable, nil).StoreFlightSearch(ctx, nboLhr(), searchResults{})

	nav := NewNavigator(newStorage(clk, durable, nil))
	res, entry := nav.ValidateFlightSearchCache(ctx, nboLhr())
	if !res.IsValid || !res.Recovered || entry == nil {
		t.Fatalf("Result is %s", res)
	}
	res, _ = nav.ValidateFlightSearchCache(ctx, nboLhr())
	if !res.IsValid || res.Recovered {
		t.Fatalf("Result is %s", res)
	}
}

func TestSchemaChangeInvalidatesEntries(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	durable := newDurable(t, clk)
	newStorage(clk, durable, nil).StoreFlightSearch(ctx, nboLhr(), searchResults{})

	s := CreateStorage(Config{Durable: durable, SchemaVersion: SchemaVersion + 1, Clock: clk, Logger: &nopLogger})
	res, entry := NewNavigator(s).ValidateFlightSearchCache(ctx, nboLhr())
	if res.Reason != validator.ReasonSchemaMismatch || entry != nil {
		t.Fatalf("Result is %s", res)
	}
}

func TestSteps(t *testing.T) {
	if step, err := ParseStep(" Details "); err != nil || step != StepDetails {
		t.Fatalf("Parsed %q (%v)", step, err)
	}
	if _, err := ParseStep("checkout"); err == nil {
		t.Fatalf("Parsed unknown step")
	}
	nav := NewNavigator(newStorage(clock.NewManual(start), nil, nil))
	if err := nav.UpdateNavigationState(context.Background(), Step("DETAILS"), Params{}); err == nil {
		t.Fatalf("Unnormalized step accepted")
	}
}
