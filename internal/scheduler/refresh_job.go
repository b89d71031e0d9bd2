package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/looplend/looplend/internal/oppcache"
)

// SnapshotRefreshJob keeps the opportunity cache warm between requests, so
// the first reader after a quiet period still gets a fresh snapshot.
type SnapshotRefreshJob struct {
	manager *oppcache.Manager
	log     zerolog.Logger
}

// NewSnapshotRefreshJob creates a refresh job for the given cache manager.
func NewSnapshotRefreshJob(manager *oppcache.Manager, log zerolog.Logger) *SnapshotRefreshJob {
	return &SnapshotRefreshJob{
		manager: manager,
		log:     log.With().Str("job", "snapshot_refresh").Logger(),
	}
}

// Run refreshes the snapshot if its fresh window has closed.
func (j *SnapshotRefreshJob) Run() error {
	if !j.manager.ShouldAutoRefresh() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	snap := j.manager.Refresh(ctx)
	if snap.IsError {
		return fmt.Errorf("snapshot refresh failed")
	}

	j.log.Debug().Int("records", len(snap.Data)).Msg("Snapshot refreshed")
	return nil
}

// Name identifies the job in logs.
func (j *SnapshotRefreshJob) Name() string {
	return "snapshot_refresh"
}
