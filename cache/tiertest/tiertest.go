// Package tiertest checks that a cache.Tier implementation behaves like every other tier.
package tiertest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/always-cache/flight-cache/cache"
	cachekey "github.com/always-cache/flight-cache/pkg/cache-key"
)

type CleanupFunc = func()

// Factory returns an empty tier.
type Factory func(t *testing.T) (cache.Tier, CleanupFunc)

// Entry returns a search entry created now and expiring in an hour.
func Entry(t *testing.T, key string) cache.Entry {
	t.Helper()
	payload, err := cache.NewPayload(cache.KindSearch, 1, []string{"KQ100", "BA64"})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	return cache.Entry{
		Key:     key,
		Payload: payload,
		SearchParams: cachekey.Fingerprint{
			Origin:      "NBO",
			Destination: "LHR",
			DepartDate:  "2025-08-15",
			TripType:    cachekey.TripOneWay,
			Passengers:  cachekey.Passengers{Adults: 1},
			CabinClass:  "economy",
		},
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
		SchemaVersion: 1,
	}
}

// Run runs all contract tests against tiers created by newTier.
func Run(t *testing.T, newTier Factory) {
	t.Helper()
	tests := map[string]func(*testing.T, cache.Tier){
		"Miss":            testMiss,
		"PutGet":          testPutGet,
		"Overwrite":       testOverwrite,
		"Purge":           testPurge,
		"AllKeys":         testAllKeys,
		"AllKeysCallback": testAllKeysCallbackMayPurge,
		"Clear":           testClear,
		"Corrupted":       testCorrupted,
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			tier, cleanup := newTier(t)
			if cleanup != nil {
				t.Cleanup(cleanup)
			}
			test(t, tier)
		})
	}
}

func testMiss(t *testing.T, tier cache.Tier) {
	_, ok, err := tier.Get(context.Background(), "fc1|nothing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("Got entry from empty tier")
	}
}

func testPutGet(t *testing.T, tier cache.Tier) {
	ctx := context.Background()
	want := Entry(t, "fc1|NBO|LHR|2025-08-15|~|one-way|1|0|0|economy|~|~|search")
	want.FlightID = "KQ100"
	want.Deadline = want.ExpiresAt.Add(time.Minute)
	if err := tier.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := tier.Get(ctx, want.Key)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Key != want.Key || got.FlightID != want.FlightID || got.SchemaVersion != want.SchemaVersion {
		t.Fatalf("Got %+v", got)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || !got.ExpiresAt.Equal(want.ExpiresAt) || !got.Deadline.Equal(want.Deadline) {
		t.Fatalf("Times differ: got %s/%s/%s", got.CreatedAt, got.ExpiresAt, got.Deadline)
	}
	if !got.SearchParams.Equal(want.SearchParams) {
		t.Fatalf("Search params differ: %+v", got.SearchParams)
	}
	if got.Payload.Kind != want.Payload.Kind || string(got.Payload.Data) != string(want.Payload.Data) {
		t.Fatalf("Payload differs: %+v", got.Payload)
	}
}

func testOverwrite(t *testing.T, tier cache.Tier) {
	ctx := context.Background()
	first := Entry(t, "k")
	if err := tier.Put(ctx, first); err != nil {
		t.Fatalf("Put: %v", err)
	}
	second := Entry(t, "k")
	second.FlightID = "BA64"
	if err := tier.Put(ctx, second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := tier.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.FlightID != "BA64" {
		t.Fatalf("Entry was not replaced: %+v", got)
	}
}

func testPurge(t *testing.T, tier cache.Tier) {
	ctx := context.Background()
	if err := tier.Put(ctx, Entry(t, "k")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tier.Purge(ctx, "k"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, ok, _ := tier.Get(ctx, "k"); ok {
		t.Fatalf("Entry still there after purge")
	}
	if err := tier.Purge(ctx, "k"); err != nil {
		t.Fatalf("Purging a missing key: %v", err)
	}
}

func testAllKeys(t *testing.T, tier cache.Tier) {
	ctx := context.Background()
	for _, key := range []string{"fc1|A|search", "fc1|A|price|KQ100", "fc1|AB|search", "fc1|B|search"} {
		if err := tier.Put(ctx, Entry(t, key)); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	keys := collect(t, tier, "fc1|A|")
	if strings.Join(keys, ",") != "fc1|A|price|KQ100,fc1|A|search" {
		t.Fatalf("Keys are %v", keys)
	}
	if keys := collect(t, tier, ""); len(keys) != 4 {
		t.Fatalf("All keys are %v", keys)
	}
}

func testAllKeysCallbackMayPurge(t *testing.T, tier cache.Tier) {
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		if err := tier.Put(ctx, Entry(t, key)); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	err := tier.AllKeys(ctx, "", func(key string) {
		if err := tier.Purge(ctx, key); err != nil {
			t.Errorf("Purge %s: %v", key, err)
		}
	})
	if err != nil {
		t.Fatalf("AllKeys: %v", err)
	}
	if keys := collect(t, tier, ""); len(keys) != 0 {
		t.Fatalf("Keys left: %v", keys)
	}
}

func testClear(t *testing.T, tier cache.Tier) {
	ctx := context.Background()
	for _, key := range []string{"a", "b"} {
		if err := tier.Put(ctx, Entry(t, key)); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	if err := tier.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if keys := collect(t, tier, ""); len(keys) != 0 {
		t.Fatalf("Keys left: %v", keys)
	}
}

// testCorrupted stores bytes that are not an entry. Tiers that cannot store raw bytes are skipped.
func testCorrupted(t *testing.T, tier cache.Tier) {
	raw, ok := tier.(cache.RawWriter)
	if !ok {
		t.Skip("tier does not store raw bytes")
	}
	ctx := context.Background()
	now := time.Now()
	for key, b := range map[string]string{
		"garbage":   "{not json",
		"truncated": `{"key":"truncated","payload":{"kind":"sea`,
		"no-key":    `{"payload":{"kind":"search"}}`,
	} {
		if err := raw.PutBytes(ctx, key, now, now.Add(time.Hour), []byte(b)); err != nil {
			t.Fatalf("PutBytes %s: %v", key, err)
		}
		_, ok, err := tier.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get %s: corruption reported as tier error: %v", key, err)
		}
		if ok {
			t.Fatalf("Get %s: corrupted entry returned", key)
		}
	}
	if keys := collect(t, tier, ""); len(keys) != 0 {
		t.Fatalf("Corrupted entries not purged: %v", keys)
	}
}

func collect(t *testing.T, tier cache.Tier, prefix string) []string {
	t.Helper()
	keys := make([]string, 0)
	if err := tier.AllKeys(context.Background(), prefix, func(key string) {
		keys = append(keys, key)
	}); err != nil {
		t.Fatalf("AllKeys: %v", err)
	}
	return keys
}
