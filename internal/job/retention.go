package job

import (
	"context"
	"time"

	"go.uber.org/zap"

	"presence-service/internal/repository"
)

// RetentionJob purges ended presence rows and event-log rows older than the
// retention window. Policy, not correctness: presence converges the same way
// whether or not this ever runs.
type RetentionJob struct {
	presenceRepo *repository.PresenceRepository
	retention    time.Duration
	logger       *zap.Logger
}

func NewRetentionJob(presenceRepo *repository.PresenceRepository, retentionDays int, logger *zap.Logger) *RetentionJob {
	return &RetentionJob{
		presenceRepo: presenceRepo,
		retention:    time.Duration(retentionDays) * 24 * time.Hour,
		logger:       logger,
	}
}

func (j *RetentionJob) Run() {
	if _, err := j.Purge(context.Background()); err != nil {
		j.logger.Error("retention purge failed", zap.Error(err))
	}
}

// Purge deletes everything older than the window and reports how many
// presence rows went away.
func (j *RetentionJob) Purge(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-j.retention)

	purged, err := j.presenceRepo.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return purged, err
	}

	j.logger.Info("retention purge completed",
		zap.Int64("purgedRecords", purged),
		zap.Time("cutoff", cutoff))
	return purged, nil
}
