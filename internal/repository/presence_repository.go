package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"presence-service/internal/database"
	"presence-service/internal/model"
)

type PresenceRepository struct {
	db *gorm.DB
}

func NewPresenceRepository(db *gorm.DB) *PresenceRepository {
	return &PresenceRepository{db: db}
}

// conn falls back to the global connection so a repository built before the
// async DB reconnect finished starts working once the connection lands.
func (r *PresenceRepository) conn() *gorm.DB {
	if r.db != nil {
		return r.db
	}
	return database.GetDB()
}

// Ready reports whether a database connection is available.
func (r *PresenceRepository) Ready() bool {
	return r.conn() != nil
}

// Find returns the record for (userID, pageID), or nil when none exists.
func (r *PresenceRepository) Find(ctx context.Context, userID, pageID uuid.UUID) (*model.PresenceRecord, error) {
	var record model.PresenceRecord
	err := r.conn().WithContext(ctx).
		Where("user_id = ? AND page_id = ?", userID, pageID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// UpsertSession writes a fresh session row. On conflict with an existing
// (user_id, page_id) row the whole liveness state is replaced, enter_time
// included: this path is only taken on a session boundary.
func (r *PresenceRepository) UpsertSession(ctx context.Context, record *model.PresenceRecord) error {
	return r.conn().WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "page_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"page_url", "enter_time", "last_seen", "is_active",
			"availability", "custom_label", "aura_color", "updated_at",
		}),
	}).Create(record).Error
}

// RefreshHeartbeat advances last_seen on a live session. The assignment set
// deliberately excludes enter_time, and the guard keeps last_seen monotonic
// under concurrent heartbeats from multiple tabs. Returns the number of rows
// touched; zero means there was no live session to refresh.
func (r *PresenceRepository) RefreshHeartbeat(ctx context.Context, userID, pageID uuid.UUID, now time.Time) (int64, error) {
	res := r.conn().WithContext(ctx).Model(&model.PresenceRecord{}).
		Where("user_id = ? AND page_id = ? AND is_active = ? AND last_seen <= ?", userID, pageID, true, now).
		Updates(map[string]interface{}{
			"last_seen":  now,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

// SetAvailability mutates the presentation attributes of a live session.
func (r *PresenceRepository) SetAvailability(ctx context.Context, userID, pageID uuid.UUID, availability model.Availability, customLabel, auraColor string, now time.Time) (int64, error) {
	res := r.conn().WithContext(ctx).Model(&model.PresenceRecord{}).
		Where("user_id = ? AND page_id = ? AND is_active = ?", userID, pageID, true).
		Updates(map[string]interface{}{
			"availability": availability,
			"custom_label": customLabel,
			"aura_color":   auraColor,
			"last_seen":    now,
			"updated_at":   now,
		})
	return res.RowsAffected, res.Error
}

// MarkInactive ends a session. The is_active guard makes it idempotent: a
// reap of an already-ended session touches nothing.
func (r *PresenceRepository) MarkInactive(ctx context.Context, userID, pageID uuid.UUID, now time.Time) (int64, error) {
	res := r.conn().WithContext(ctx).Model(&model.PresenceRecord{}).
		Where("user_id = ? AND page_id = ? AND is_active = ?", userID, pageID, true).
		Updates(map[string]interface{}{
			"is_active":  false,
			"last_seen":  now,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

// ActiveByPage lists live sessions on a page seen since cutoff, earliest
// arrival first.
func (r *PresenceRepository) ActiveByPage(ctx context.Context, pageID uuid.UUID, cutoff time.Time) ([]model.PresenceRecord, error) {
	var records []model.PresenceRecord
	err := r.conn().WithContext(ctx).
		Where("page_id = ? AND is_active = ? AND last_seen >= ?", pageID, true, cutoff).
		Order("enter_time ASC").
		Find(&records).Error
	return records, err
}

// ActiveByPages is the multi-page variant used by community views.
func (r *PresenceRepository) ActiveByPages(ctx context.Context, pageIDs []uuid.UUID, cutoff time.Time) ([]model.PresenceRecord, error) {
	if len(pageIDs) == 0 {
		return nil, nil
	}
	var records []model.PresenceRecord
	err := r.conn().WithContext(ctx).
		Where("page_id IN ? AND is_active = ? AND last_seen >= ?", pageIDs, true, cutoff).
		Order("page_id, enter_time ASC").
		Find(&records).Error
	return records, err
}

// FindActive returns every live session. The reaper evaluates staleness per
// row; sessions last seen beyond its lookback window are stale outright, so
// the query does not bound by time.
func (r *PresenceRepository) FindActive(ctx context.Context) ([]model.PresenceRecord, error) {
	var records []model.PresenceRecord
	err := r.conn().WithContext(ctx).
		Where("is_active = ?", true).
		Find(&records).Error
	return records, err
}

// AppendEvent writes one row to the liveness event log.
func (r *PresenceRepository) AppendEvent(ctx context.Context, event *model.PresenceEvent) error {
	return r.conn().WithContext(ctx).Create(event).Error
}

// CountLiveness counts ENTER and HEARTBEAT events for a pair since the given
// time. This is what the reaper compares against the missed-heartbeat
// threshold.
func (r *PresenceRepository) CountLiveness(ctx context.Context, userID, pageID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	err := r.conn().WithContext(ctx).Model(&model.PresenceEvent{}).
		Where("user_id = ? AND page_id = ? AND kind IN ? AND created_at >= ?",
			userID, pageID, []model.EventKind{model.EventEnter, model.EventHeartbeat}, since).
		Count(&count).Error
	return count, err
}

// PurgeOlderThan removes ended presence rows and event-log rows older than
// the cutoff. Live sessions are never purged.
func (r *PresenceRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.conn().WithContext(ctx).
		Where("is_active = ? AND last_seen < ?", false, cutoff).
		Delete(&model.PresenceRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	purged := res.RowsAffected

	if err := r.conn().WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&model.PresenceEvent{}).Error; err != nil {
		return purged, err
	}
	return purged, nil
}
