package validator

import (
	"github.com/always-cache/flight-cache/cache"
	cachekey "github.com/always-cache/flight-cache/pkg/cache-key"
	"github.com/always-cache/flight-cache/pkg/clock"
)

// Reason explains why a cached entry may not be used.
type Reason string

const (
	// No entry was found in any tier.
	ReasonNotFound Reason = "not_found"

	// The entry, or the upstream offer it holds, is past its deadline.
	ReasonExpired Reason = "expired"

	// The entry was written with a different schema version or holds another kind of payload.
	ReasonSchemaMismatch Reason = "schema_mismatch"

	// The entry belongs to a different search.
	ReasonParamsMismatch Reason = "params_mismatch"
)

// Result is the verdict on a cached entry.
type Result struct {
	IsValid bool   `json:"isValid"`
	Reason  Reason `json:"reason,omitempty"`
	// The entry was read from a lower-priority tier. Worth logging, never a reason to reject.
	Recovered bool `json:"recovered,omitempty"`
}

func (r Result) String() string {
	if r.IsValid {
		if r.Recovered {
			return "valid; recovered"
		}
		return "valid"
	}
	return "invalid; reason=" + string(r.Reason)
}

type Validator struct {
	schemaVersion int
	clock         clock.Clock
}

func New(schemaVersion int, c clock.Clock) Validator {
	if c == nil {
		c = clock.System{}
	}
	return Validator{schemaVersion: schemaVersion, clock: c}
}

// Validate checks, in order, that the entry exists, has not expired, has the expected shape,
// and was stored for the given search. It stops at the first failed check.
func (v Validator) Validate(entry *cache.Entry, kind string, current cachekey.Fingerprint) Result {
	if entry == nil {
		return Result{Reason: ReasonNotFound}
	}
	if entry.Expired(v.clock.Now()) {
		return Result{Reason: ReasonExpired}
	}
	if entry.SchemaVersion != v.schemaVersion ||
		entry.Payload.SchemaVersion != v.schemaVersion ||
		entry.Payload.Kind != kind {
		return Result{Reason: ReasonSchemaMismatch}
	}
	if !entry.SearchParams.Equal(current) {
		return Result{Reason: ReasonParamsMismatch}
	}
	return Result{IsValid: true}
}
