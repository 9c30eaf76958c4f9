package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Janitor purges expired idempotency records on a fixed interval. This is
// housekeeping only: the trade and escrow engines themselves never poll.
type Janitor struct {
	db       *Database
	interval time.Duration
}

func NewJanitor(db *Database) *Janitor {
	return &Janitor{
		db:       db,
		interval: 15 * time.Minute,
	}
}

// Start begins the cleanup loop and blocks until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	logger := log.With().Str("component", "idempotency_janitor").Logger()
	logger.Info().Msg("starting idempotency janitor")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down idempotency janitor")
			return
		case <-ticker.C:
			purged, err := j.db.DeleteExpiredIdempotencyRecords()
			if err != nil {
				logger.Error().Err(err).Msg("failed to purge expired idempotency records")
				continue
			}
			if purged > 0 {
				logger.Info().Int64("purged", purged).Msg("purged expired idempotency records")
			}
		}
	}
}
