package job

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"presence-service/internal/config"
	"presence-service/internal/middleware"
	"presence-service/internal/model"
	"presence-service/internal/repository"
	"presence-service/internal/service"
)

// Reaper converts heartbeat silence into EXIT transitions. It never touches
// presence rows directly: every synthesized exit goes through the lifecycle
// engine like any client event, so the race with an in-flight heartbeat
// collapses into ordinary last-write-wins on the same code path.
type Reaper struct {
	presenceRepo *repository.PresenceRepository
	lifecycle    *service.LifecycleService
	cfg          config.PresenceConfig
	logger       *zap.Logger
	now          func() time.Time

	// run-lock: a cycle that overruns the interval makes the next tick a
	// skip, not a concurrent scan.
	running sync.Mutex
}

func NewReaper(
	presenceRepo *repository.PresenceRepository,
	lifecycle *service.LifecycleService,
	cfg config.PresenceConfig,
	logger *zap.Logger,
) *Reaper {
	return &Reaper{
		presenceRepo: presenceRepo,
		lifecycle:    lifecycle,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
}

// Run executes one reap cycle. Safe to invoke from a scheduler tick; errors
// are logged and the next tick starts clean.
func (r *Reaper) Run() {
	if !r.running.TryLock() {
		r.logger.Warn("previous reaper cycle still running, skipping tick")
		return
	}
	defer r.running.Unlock()

	if !r.presenceRepo.Ready() {
		r.logger.Warn("database not connected, skipping reaper cycle")
		return
	}

	reaped, err := r.runCycle(context.Background())
	if err != nil {
		r.logger.Error("reaper cycle failed", zap.Error(err))
		return
	}
	if reaped > 0 {
		r.logger.Info("reaper cycle completed", zap.Int("reaped", reaped))
	}
}

func (r *Reaper) runCycle(ctx context.Context) (int, error) {
	now := r.now()
	lookbackCutoff := now.Add(-r.cfg.LookbackWindow)
	heartbeatCutoff := now.Add(-r.cfg.HeartbeatWindow)

	candidates, err := r.presenceRepo.FindActive(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, rec := range candidates {
		stale, err := r.isStale(ctx, rec, lookbackCutoff, heartbeatCutoff)
		if err != nil {
			r.logger.Warn("failed to evaluate session staleness",
				zap.String("userId", rec.UserID.String()),
				zap.String("pageId", rec.PageID.String()),
				zap.Error(err))
			continue
		}
		if !stale {
			continue
		}

		_, err = r.lifecycle.Apply(ctx, service.PresenceEventInput{
			UserID: rec.UserID,
			PageID: rec.PageID,
			Kind:   model.EventExit,
			Cause:  model.ExitCauseTimeout,
		})
		if err != nil {
			r.logger.Warn("failed to reap session",
				zap.String("userId", rec.UserID.String()),
				zap.String("pageId", rec.PageID.String()),
				zap.Error(err))
			continue
		}
		middleware.RecordReapedSession()
		reaped++
	}

	return reaped, nil
}

// isStale decides whether a live session has gone silent. Sessions last seen
// before the lookback window are stale outright; inside the window the recent
// heartbeat count is compared against the configured threshold.
func (r *Reaper) isStale(ctx context.Context, rec model.PresenceRecord, lookbackCutoff, heartbeatCutoff time.Time) (bool, error) {
	if rec.LastSeen.Before(lookbackCutoff) {
		return true, nil
	}
	if !rec.LastSeen.Before(heartbeatCutoff) {
		// Seen inside the heartbeat window; count still applies when the
		// threshold expects more than one beat.
		if r.cfg.MissedHeartbeatThreshold <= 1 {
			return false, nil
		}
	}

	count, err := r.presenceRepo.CountLiveness(ctx, rec.UserID, rec.PageID, heartbeatCutoff)
	if err != nil {
		return false, err
	}
	return count < int64(r.cfg.MissedHeartbeatThreshold), nil
}
