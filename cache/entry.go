package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cachekey "github.com/always-cache/flight-cache/pkg/cache-key"
)

// Payload kinds.
const (
	KindSearch = "search"
	KindPrice  = "price"
)

// ErrCorrupted is returned when stored bytes cannot be turned back into an entry.
var ErrCorrupted = errors.New("corrupted cache entry")

// Payload is the envelope around an upstream response.
// The cache never looks inside Data; Kind and SchemaVersion let readers reject shapes they do not know.
type Payload struct {
	Kind          string          `json:"kind"`
	SchemaVersion int             `json:"schemaVersion"`
	Data          json.RawMessage `json:"data"`
}

// NewPayload marshals data into an envelope of the given kind.
func NewPayload(kind string, schemaVersion int, data any) (Payload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Payload{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Payload{Kind: kind, SchemaVersion: schemaVersion, Data: raw}, nil
}

// Decode unmarshals the payload data into v.
func (p Payload) Decode(v any) error {
	return json.Unmarshal(p.Data, v)
}

// Entry is a single cached upstream response together with the search it belongs to.
type Entry struct {
	Key          string               `json:"key"`
	Payload      Payload              `json:"payload"`
	SearchParams cachekey.Fingerprint `json:"searchParams"`
	// Set for price entries only.
	FlightID  string    `json:"flightId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	// Authoritative expiry of the upstream offer, zero if the payload has none.
	Deadline      time.Time `json:"deadline"`
	SchemaVersion int       `json:"schemaVersion"`
}

// Expired reports whether the entry is logically absent at the given time.
func (e Entry) Expired(now time.Time) bool {
	if !now.Before(e.ExpiresAt) {
		return true
	}
	return !e.Deadline.IsZero() && !now.Before(e.Deadline)
}

// TimeToLive is the time left before the entry expires, zero if it already has.
func (e Entry) TimeToLive(now time.Time) time.Duration {
	end := e.ExpiresAt
	if !e.Deadline.IsZero() && e.Deadline.Before(end) {
		end = e.Deadline
	}
	if ttl := end.Sub(now); ttl > 0 {
		return ttl
	}
	return 0
}

// Encode serializes the entry for storage.
func (e Entry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses stored bytes.
// Anything that does not parse into a structurally sound entry is reported as ErrCorrupted.
func Decode(b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if e.Key == "" {
		return Entry{}, fmt.Errorf("%w: missing key", ErrCorrupted)
	}
	if !e.ExpiresAt.After(e.CreatedAt) {
		return Entry{}, fmt.Errorf("%w: expiry %s not after creation %s", ErrCorrupted, e.ExpiresAt, e.CreatedAt)
	}
	return e, nil
}
