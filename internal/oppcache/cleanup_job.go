package oppcache

import (
	"time"

	"github.com/rs/zerolog"
)

// snapshotRetention is how long an untouched snapshot row stays on disk.
// Well past the fresh window: stale snapshots still serve as fetch-failure
// fallbacks, but rows nobody has queried in a day are dead weight.
const snapshotRetention = 24 * time.Hour

// CleanupJob removes snapshot rows that have not been refreshed within the
// retention window. Scheduled hourly.
type CleanupJob struct {
	store *SQLiteStore
	log   zerolog.Logger
}

// NewCleanupJob creates a new snapshot cleanup job.
func NewCleanupJob(store *SQLiteStore, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		store: store,
		log:   log.With().Str("job", "snapshot_cleanup").Logger(),
	}
}

// Run executes the cleanup job.
func (j *CleanupJob) Run() error {
	deleted, err := j.store.DeleteOlderThan(snapshotRetention)
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to delete stale snapshots")
		return err
	}
	if deleted > 0 {
		j.log.Info().Int64("deleted", deleted).Msg("Cleaned up stale snapshots")
	}
	return nil
}

// Name returns the job name for scheduling and logging.
func (j *CleanupJob) Name() string {
	return "snapshot_cleanup"
}
