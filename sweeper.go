package flightcache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often RunSweeper removes expired entries.
const DefaultSweepInterval = time.Minute

// Sweeper removes expired entries from a tier, returning how many were removed.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// RunSweeper runs a loop removing expired entries every interval until ctx is done.
// Errors are logged and the loop carries on with the next interval.
func RunSweeper(ctx context.Context, sweeper Sweeper, interval time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	log.Info().Msgf("Starting sweep loop with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Stopping sweep loop")
			return
		case <-ticker.C:
		}
		removed, err := sweeper.Sweep(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Could not sweep expired entries")
			continue
		}
		if removed > 0 {
			log.Debug().Int64("removed", removed).Msg("Swept expired entries")
		} else {
			log.Trace().Msg("No expired entries")
		}
	}
}
