package flightcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/flight-cache/cache"
	cachekey "github.com/always-cache/flight-cache/pkg/cache-key"
	"github.com/always-cache/flight-cache/pkg/clock"

	"github.com/rs/zerolog"
)

// SchemaVersion is the version of the entry and payload shapes written by this package.
const SchemaVersion = 1

const (
	DefaultSearchTTL         = 30 * time.Minute
	DefaultPriceTTL          = 10 * time.Minute
	DefaultPriceSafetyMargin = 30 * time.Second
)

var (
	// ErrNotFound means no tier holds a usable entry. It is a normal outcome, not a failure.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExpired is returned when a store would create an entry that is already expired.
	ErrAlreadyExpired = errors.New("entry would already be expired")
)

type Config struct {
	// Ephemeral tier. A new MemCache is used if nil.
	Session cache.Tier
	// Durable tier, optional.
	Durable cache.Tier
	// Shared remote tier, optional.
	Remote cache.Tier
	// How long search results may be reused.
	SearchTTL time.Duration
	// How long priced offers may be reused, at most.
	PriceTTL time.Duration
	// Priced offers expire at least this long before the upstream offer does.
	// Defaults to DefaultPriceSafetyMargin; an offer is never kept up to its deadline.
	PriceSafetyMargin time.Duration
	// Expected schema version. Defaults to SchemaVersion.
	SchemaVersion int
	// Clock to use. The system clock is used if nil.
	Clock clock.Clock
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Storage reads and writes flight searches and priced offers through all configured tiers.
type Storage struct {
	session       cache.Tier
	tiers         []cache.Tier
	searchTTL     time.Duration
	priceTTL      time.Duration
	priceMargin   time.Duration
	schemaVersion int
	clock         clock.Clock
	log           zerolog.Logger
}

// Lookup is a successful read.
type Lookup struct {
	Entry cache.Entry
	// Name of the tier the entry was found in.
	Tier string
	// The entry did not come from the session tier.
	Recovered bool
}

// CreateStorage sets up the tier chain in priority order: session, durable, remote.
func CreateStorage(config Config) *Storage {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	s := &Storage{
		session:       config.Session,
		searchTTL:     config.SearchTTL,
		priceTTL:      config.PriceTTL,
		priceMargin:   config.PriceSafetyMargin,
		schemaVersion: config.SchemaVersion,
		clock:         config.Clock,
		log:           logger,
	}
	if s.session == nil {
		s.session = cache.NewMemCache()
	}
	if s.searchTTL <= 0 {
		s.searchTTL = DefaultSearchTTL
	}
	if s.priceTTL <= 0 {
		s.priceTTL = DefaultPriceTTL
	}
	if s.priceMargin <= 0 {
		s.priceMargin = DefaultPriceSafetyMargin
	}
	if s.schemaVersion == 0 {
		s.schemaVersion = SchemaVersion
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}

	s.tiers = []cache.Tier{s.session}
	for _, tier := range []cache.Tier{config.Durable, config.Remote} {
		if tier != nil {
			s.tiers = append(s.tiers, tier)
		}
	}
	return s
}

// StoreFlightSearch caches a search result set for the given search.
func (s *Storage) StoreFlightSearch(ctx context.Context, fp cachekey.Fingerprint, data any) (cache.Entry, error) {
	payload, err := cache.NewPayload(cache.KindSearch, s.schemaVersion, data)
	if err != nil {
		return cache.Entry{}, err
	}
	now := s.clock.Now()
	entry := cache.Entry{
		Key:           cachekey.SearchKey(fp),
		Payload:       payload,
		SearchParams:  fp.Normalize(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.searchTTL),
		SchemaVersion: s.schemaVersion,
	}
	return entry, s.store(ctx, entry)
}

// GetFlightSearch returns the cached result set of the given search, or ErrNotFound.
func (s *Storage) GetFlightSearch(ctx context.Context, fp cachekey.Fingerprint) (Lookup, error) {
	return s.read(ctx, cachekey.SearchKey(fp))
}

// StoreFlightPrice caches the priced offer of one flight of a search.
// The entry expires after the price TTL, but never later than the safety margin before offerDeadline.
// A zero offerDeadline means the upstream did not state one.
func (s *Storage) StoreFlightPrice(ctx context.Context, flightID string, fp cachekey.Fingerprint, data any, offerDeadline time.Time) (cache.Entry, error) {
	payload, err := cache.NewPayload(cache.KindPrice, s.schemaVersion, data)
	if err != nil {
		return cache.Entry{}, err
	}
	flightID = strings.TrimSpace(flightID)
	now := s.clock.Now()
	expires := now.Add(s.priceTTL)
	if !offerDeadline.IsZero() {
		if limit := offerDeadline.Add(-s.priceMargin); limit.Before(expires) {
			expires = limit
		}
	}
	entry := cache.Entry{
		Key:           cachekey.PriceKey(flightID, fp),
		Payload:       payload,
		SearchParams:  fp.Normalize(),
		FlightID:      flightID,
		CreatedAt:     now,
		ExpiresAt:     expires,
		Deadline:      offerDeadline,
		SchemaVersion: s.schemaVersion,
	}
	return entry, s.store(ctx, entry)
}

// GetFlightPrice returns the cached priced offer of a flight, or ErrNotFound.
func (s *Storage) GetFlightPrice(ctx context.Context, flightID string, fp cachekey.Fingerprint) (Lookup, error) {
	return s.read(ctx, cachekey.PriceKey(flightID, fp))
}

// ClearCache empties every tier. It tries all tiers even if some fail.
func (s *Storage) ClearCache(ctx context.Context) error {
	var errs []error
	for _, tier := range s.tiers {
		if err := tier.Clear(ctx); err != nil {
			s.log.Warn().Err(err).Str("tier", tier.Name()).Msg("Could not clear tier")
			errs = append(errs, &cache.TierError{Tier: tier.Name(), Op: "clear", Err: err})
		}
	}
	return errors.Join(errs...)
}

// ClearSession empties the session tier only.
func (s *Storage) ClearSession(ctx context.Context) error {
	if err := s.session.Clear(ctx); err != nil {
		return &cache.TierError{Tier: s.session.Name(), Op: "clear", Err: err}
	}
	return nil
}

// store writes the entry to the session tier, which must succeed,
// and to the other tiers concurrently on a best-effort basis.
func (s *Storage) store(ctx context.Context, entry cache.Entry) error {
	log := s.log.With().Str("key", entry.Key).Logger()
	if !entry.ExpiresAt.After(entry.CreatedAt) {
		log.Debug().Time("expiry", entry.ExpiresAt).Msg("Not storing already expired entry")
		return fmt.Errorf("%s: %w", entry.Key, ErrAlreadyExpired)
	}

	if err := s.session.Put(ctx, entry); err != nil {
		log.Error().Err(err).Str("tier", s.session.Name()).Msg("Could not write to cache")
		return &cache.TierError{Tier: s.session.Name(), Op: "put", Err: err}
	}

	var wg sync.WaitGroup
	for _, tier := range s.tiers[1:] {
		wg.Add(1)
		go func(tier cache.Tier) {
			defer wg.Done()
			if err := tier.Put(ctx, entry); err != nil {
				log.Warn().Err(err).Str("tier", tier.Name()).Msg("Could not write to cache")
			}
		}(tier)
	}
	wg.Wait()

	log.Trace().Time("expiry", entry.ExpiresAt).Msg("Cache write")
	return nil
}

// read queries the tiers one after the other, in priority order.
// Expired and mismatching entries are purged from the tier they were found in.
// An entry found below the session tier is copied into every tier above it.
func (s *Storage) read(ctx context.Context, key string) (Lookup, error) {
	log := s.log.With().Str("key", key).Logger()
	for i, tier := range s.tiers {
		entry, ok, err := tier.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("tier", tier.Name()).Msg("Tier unavailable, skipping")
			continue
		}
		if !ok {
			log.Trace().Str("tier", tier.Name()).Msg("Cache miss")
			continue
		}
		if entry.Key != key {
			log.Warn().Str("tier", tier.Name()).Str("stored", entry.Key).Msg("Purging entry stored under wrong key")
			s.purge(ctx, tier, key)
			continue
		}
		if entry.Expired(s.clock.Now()) {
			log.Trace().Str("tier", tier.Name()).Time("expiry", entry.ExpiresAt).Msg("Purging expired entry")
			s.purge(ctx, tier, key)
			continue
		}
		if i > 0 {
			s.promote(ctx, entry, s.tiers[:i])
		}
		log.Trace().Str("tier", tier.Name()).Msg("Cache hit")
		return Lookup{Entry: entry, Tier: tier.Name(), Recovered: i > 0}, nil
	}
	return Lookup{}, ErrNotFound
}

func (s *Storage) promote(ctx context.Context, entry cache.Entry, tiers []cache.Tier) {
	for _, tier := range tiers {
		if err := tier.Put(ctx, entry); err != nil {
			s.log.Warn().Err(err).Str("key", entry.Key).Str("tier", tier.Name()).Msg("Could not promote entry")
			continue
		}
		s.log.Debug().Str("key", entry.Key).Str("tier", tier.Name()).Msg("Promoted entry")
	}
}

func (s *Storage) purge(ctx context.Context, tier cache.Tier, key string) {
	if err := tier.Purge(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Str("tier", tier.Name()).Msg("Could not purge entry")
	}
}
