package flightcache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/always-cache/flight-cache/cache"
	cachekey "github.com/always-cache/flight-cache/pkg/cache-key"

	"github.com/dustin/go-humanize"
)

// TierContents is what one tier holds for a search.
type TierContents struct {
	Tier    string        `json:"tier"`
	Entries []cache.Entry `json:"entries"`
	Error   string        `json:"error,omitempty"`
}

// StorageStatus is the raw content of all tiers for one search.
type StorageStatus struct {
	KeyPrefix string         `json:"keyPrefix"`
	Tiers     []TierContents `json:"tiers"`
	now       time.Time
}

// Status lists every entry stored for the search in every tier, expired ones included.
// It is meant for debugging: unlike reads it neither purges expired entries nor promotes anything.
func (s *Storage) Status(ctx context.Context, fp cachekey.Fingerprint) StorageStatus {
	status := StorageStatus{KeyPrefix: cachekey.BuildKey(fp), now: s.clock.Now()}
	for _, tier := range s.tiers {
		contents := TierContents{Tier: tier.Name(), Entries: make([]cache.Entry, 0)}
		var keys []string
		err := tier.AllKeys(ctx, status.KeyPrefix+"|", func(key string) {
			keys = append(keys, key)
		})
		if err == nil {
			for _, key := range keys {
				entry, ok, getErr := tier.Get(ctx, key)
				if getErr != nil {
					err = getErr
					break
				}
				if ok {
					contents.Entries = append(contents.Entries, entry)
				}
			}
		}
		if err != nil {
			contents.Error = err.Error()
		}
		status.Tiers = append(status.Tiers, contents)
	}
	return status
}

// String renders the status for humans, one line per entry.
func (st StorageStatus) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", st.KeyPrefix)
	for _, tier := range st.Tiers {
		fmt.Fprintf(&b, "  %s: %d entries", tier.Tier, len(tier.Entries))
		if tier.Error != "" {
			fmt.Fprintf(&b, " (error: %s)", tier.Error)
		}
		b.WriteString("\n")
		for _, e := range tier.Entries {
			state := "expires " + humanize.RelTime(e.ExpiresAt, st.now, "ago", "from now")
			if e.Expired(st.now) {
				state = "expired"
			}
			fmt.Fprintf(&b, "    %s %s, stored %s, %s\n",
				e.Payload.Kind,
				humanize.Bytes(uint64(len(e.Payload.Data))),
				humanize.RelTime(e.CreatedAt, st.now, "ago", "from now"),
				state)
		}
	}
	return b.String()
}
