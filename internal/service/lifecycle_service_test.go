package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"presence-service/internal/model"
	"presence-service/internal/realtime"
	"presence-service/internal/repository"
)

type lifecycleFixture struct {
	svc          *LifecycleService
	presenceRepo *repository.PresenceRepository
	pageRepo     *repository.PageRepository
	broker       *realtime.Broker
	db           *gorm.DB
	clock        time.Time
}

func setupLifecycle(t *testing.T) *lifecycleFixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	require.NoError(t, err, "failed to open database")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.Page{},
		&model.PresenceRecord{},
		&model.PresenceEvent{},
	))

	f := &lifecycleFixture{
		presenceRepo: repository.NewPresenceRepository(db),
		pageRepo:     repository.NewPageRepository(db),
		broker:       realtime.NewBroker(nil, zap.NewNop()),
		db:           db,
		clock:        time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	f.svc = NewLifecycleService(f.presenceRepo, f.pageRepo, f.broker, zap.NewNop())
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *lifecycleFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func TestApply_EnterCreatesSession(t *testing.T) {
	f := setupLifecycle(t)
	ctx := context.Background()
	userID := uuid.New()
	pageID := uuid.New()

	record, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID:     userID,
		PageID:     pageID,
		Kind:       model.EventEnter,
		PageURL:    "https://example.com/board/1",
		NewSession: true,
	})
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.True(t, record.IsActive)
	assert.WithinDuration(t, f.clock, record.EnterTime, time.Second)
	assert.WithinDuration(t, f.clock, record.LastSeen, time.Second)
	assert.Equal(t, model.AvailabilityAvailable, record.Availability)

	page, err := f.pageRepo.FindByID(ctx, pageID)
	require.NoError(t, err)
	require.NotNil(t, page, "enter should register the page")
	assert.Equal(t, "https://example.com/board/1", page.URL)
}

func TestApply_HeartbeatPreservesEnterTime(t *testing.T) {
	f := setupLifecycle(t)
	ctx := context.Background()
	userID := uuid.New()
	pageID := uuid.New()

	_, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventEnter, PageURL: "https://example.com/p", NewSession: true,
	})
	require.NoError(t, err)
	enteredAt := f.clock

	for i := 0; i < 3; i++ {
		f.advance(30 * time.Second)
		record, err := f.svc.Apply(ctx, PresenceEventInput{
			UserID: userID, PageID: pageID, Kind: model.EventHeartbeat,
		})
		require.NoError(t, err)
		assert.WithinDuration(t, enteredAt, record.EnterTime, time.Second, "heartbeat must not move enter time")
		assert.WithinDuration(t, f.clock, record.LastSeen, time.Second)
	}
}

func TestApply_RepeatedEnterWithinSessionIsIdempotent(t *testing.T) {
	f := setupLifecycle(t)
	ctx := context.Background()
	userID := uuid.New()
	pageID := uuid.New()

	first, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventEnter, PageURL: "https://example.com/p", NewSession: true,
	})
	require.NoError(t, err)

	// Same session signals enter again (e.g. a client-side re-render).
	f.advance(10 * time.Second)
	second, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID, Kind: model.EventEnter,
	})
	require.NoError(t, err)

	var count int64
	f.db.Model(&model.PresenceRecord{}).Count(&count)
	assert.Equal(t, int64(1), count)
	assert.WithinDuration(t, first.EnterTime, second.EnterTime, time.Second)
	assert.True(t, second.LastSeen.After(first.LastSeen))
}

func TestApply_ReEnterAfterExitStartsFreshSession(t *testing.T) {
	f := setupLifecycle(t)
	ctx := context.Background()
	userID := uuid.New()
	pageID := uuid.New()

	_, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventEnter, PageURL: "https://example.com/p", NewSession: true,
	})
	require.NoError(t, err)
	firstEnter := f.clock

	f.advance(30 * time.Second)
	_, err = f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID, Kind: model.EventHeartbeat,
	})
	require.NoError(t, err)

	f.advance(time.Minute)
	record, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID, Kind: model.EventExit,
	})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.False(t, record.IsActive, "record is retained but inactive after exit")

	f.advance(2 * time.Minute)
	record, err = f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventEnter, NewSession: true,
	})
	require.NoError(t, err)
	assert.True(t, record.IsActive)
	assert.WithinDuration(t, f.clock, record.EnterTime, time.Second, "re-enter gets a fresh enter time")
	assert.True(t, record.EnterTime.After(firstEnter))

	var count int64
	f.db.Model(&model.PresenceRecord{}).Count(&count)
	assert.Equal(t, int64(1), count, "one row per (user, page) across sessions")
}

func TestApply_ExitWithoutSessionIsNoop(t *testing.T) {
	f := setupLifecycle(t)
	ctx := context.Background()

	pageID := uuid.New()
	require.NoError(t, f.pageRepo.Ensure(ctx, &model.Page{ID: pageID, URL: "https://example.com/p"}))

	sub := f.broker.Subscribe(pageID)
	defer sub.Close()

	record, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: uuid.New(), PageID: pageID, Kind: model.EventExit,
	})
	require.NoError(t, err)
	assert.Nil(t, record)

	select {
	case ev := <-sub.Events():
		t.Fatalf("no change should be published for a no-op exit, got %s", ev.Type)
	default:
	}
}

func TestApply_AvailabilityRequiresActiveSession(t *testing.T) {
	f := setupLifecycle(t)
	ctx := context.Background()
	userID := uuid.New()
	pageID := uuid.New()

	require.NoError(t, f.pageRepo.Ensure(ctx, &model.Page{ID: pageID, URL: "https://example.com/p"}))

	_, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventAvailability, Availability: model.AvailabilityBusy,
	})
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID, Kind: model.EventEnter, NewSession: true,
	})
	require.NoError(t, err)

	record, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventAvailability, Availability: model.AvailabilityCustom,
		CustomLabel: "in a meeting", AuraColor: "#FF5722",
	})
	require.NoError(t, err)
	assert.Equal(t, model.AvailabilityCustom, record.Availability)
	assert.Equal(t, "in a meeting", record.CustomLabel)
	assert.Equal(t, "#FF5722", record.AuraColor)
}

func TestApply_CustomLabelClearedOnStandardAvailability(t *testing.T) {
	f := setupLifecycle(t)
	ctx := context.Background()
	userID := uuid.New()
	pageID := uuid.New()

	_, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventEnter, PageURL: "https://example.com/p", NewSession: true,
	})
	require.NoError(t, err)

	_, err = f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventAvailability, Availability: model.AvailabilityCustom,
		CustomLabel: "reviewing",
	})
	require.NoError(t, err)

	record, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventAvailability, Availability: model.AvailabilityAway,
	})
	require.NoError(t, err)
	assert.Equal(t, model.AvailabilityAway, record.Availability)
	assert.Empty(t, record.CustomLabel)
}

func TestApply_ValidationErrors(t *testing.T) {
	f := setupLifecycle(t)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: uuid.New(), PageID: uuid.New(), Kind: model.EventKind("LURK"),
	})
	assert.ErrorIs(t, err, ErrInvalidEventKind)

	_, err = f.svc.Apply(ctx, PresenceEventInput{
		PageID: uuid.New(), Kind: model.EventEnter, PageURL: "https://example.com/p",
	})
	assert.ErrorIs(t, err, ErrInvalidEventKind, "missing user id")

	// Heartbeat for a page nobody registered
	_, err = f.svc.Apply(ctx, PresenceEventInput{
		UserID: uuid.New(), PageID: uuid.New(), Kind: model.EventHeartbeat,
	})
	assert.ErrorIs(t, err, ErrPageResolution)

	pageID := uuid.New()
	userID := uuid.New()
	_, err = f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventEnter, PageURL: "https://example.com/p", NewSession: true,
	})
	require.NoError(t, err)

	_, err = f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventAvailability, Availability: model.Availability("INVISIBLE"),
	})
	assert.ErrorIs(t, err, ErrInvalidAvailability)
}

func TestApply_PublishesChangeEvents(t *testing.T) {
	f := setupLifecycle(t)
	ctx := context.Background()
	userID := uuid.New()
	pageID := uuid.New()

	require.NoError(t, f.pageRepo.Ensure(ctx, &model.Page{ID: pageID, URL: "https://example.com/p"}))
	sub := f.broker.Subscribe(pageID)
	defer sub.Close()

	_, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID, Kind: model.EventEnter, NewSession: true,
	})
	require.NoError(t, err)

	f.advance(30 * time.Second)
	_, err = f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID, Kind: model.EventHeartbeat,
	})
	require.NoError(t, err)

	_, err = f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID, Kind: model.EventExit,
	})
	require.NoError(t, err)

	want := []realtime.EventType{
		realtime.EventTypeInsert,
		realtime.EventTypeUpdate,
		realtime.EventTypeDelete,
	}
	for _, expected := range want {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, expected, ev.Type)
			assert.Equal(t, pageID, ev.PageID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", expected)
		}
	}
}

func TestApply_DeleteEventCarriesFinalState(t *testing.T) {
	f := setupLifecycle(t)
	ctx := context.Background()
	userID := uuid.New()
	pageID := uuid.New()

	_, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventEnter, PageURL: "https://example.com/p", NewSession: true,
	})
	require.NoError(t, err)

	sub := f.broker.Subscribe(pageID)
	defer sub.Close()

	f.advance(time.Minute)
	_, err = f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID, Kind: model.EventExit,
	})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, realtime.EventTypeDelete, ev.Type)
		require.NotNil(t, ev.Old)
		assert.True(t, ev.Old.IsActive, "old side holds the pre-exit state")
		require.NotNil(t, ev.New)
		assert.False(t, ev.New.IsActive)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delete event")
	}
}

func TestApply_ConcurrentHeartbeatsKeepOneCoherentRow(t *testing.T) {
	f := setupLifecycle(t)
	ctx := context.Background()
	userID := uuid.New()
	pageID := uuid.New()

	_, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventEnter, PageURL: "https://example.com/p", NewSession: true,
	})
	require.NoError(t, err)
	enteredAt := f.clock

	f.advance(30 * time.Second)

	// Two tabs of the same user beat at once.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Apply(ctx, PresenceEventInput{
				UserID: userID, PageID: pageID, Kind: model.EventHeartbeat,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var count int64
	f.db.Model(&model.PresenceRecord{}).Count(&count)
	assert.Equal(t, int64(1), count)

	record, err := f.presenceRepo.Find(ctx, userID, pageID)
	require.NoError(t, err)
	assert.True(t, record.IsActive)
	assert.WithinDuration(t, enteredAt, record.EnterTime, time.Second)
	assert.WithinDuration(t, f.clock, record.LastSeen, time.Second)
}

func TestApply_OutdatedHeartbeatDoesNotRestartSession(t *testing.T) {
	f := setupLifecycle(t)
	ctx := context.Background()
	userID := uuid.New()
	pageID := uuid.New()

	_, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventEnter, PageURL: "https://example.com/p", NewSession: true,
	})
	require.NoError(t, err)
	enteredAt := f.clock

	// One tab's heartbeat commits with a later timestamp...
	f.advance(time.Minute)
	_, err = f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID, Kind: model.EventHeartbeat,
	})
	require.NoError(t, err)
	latestSeen := f.clock

	// ...then another tab's heartbeat, captured earlier, applies after it.
	f.clock = enteredAt.Add(30 * time.Second)
	record, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID, Kind: model.EventHeartbeat,
	})
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.True(t, record.IsActive)
	assert.WithinDuration(t, enteredAt, record.EnterTime, time.Second,
		"an outdated heartbeat must not restart the session")
	assert.WithinDuration(t, latestSeen, record.LastSeen, time.Second,
		"last_seen must not move backwards")
}

func TestApply_WritesEventLog(t *testing.T) {
	f := setupLifecycle(t)
	ctx := context.Background()
	userID := uuid.New()
	pageID := uuid.New()

	_, err := f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID,
		Kind: model.EventEnter, PageURL: "https://example.com/p", NewSession: true,
	})
	require.NoError(t, err)

	f.advance(30 * time.Second)
	_, err = f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID, Kind: model.EventHeartbeat,
	})
	require.NoError(t, err)

	count, err := f.presenceRepo.CountLiveness(ctx, userID, pageID, f.clock.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	_, err = f.svc.Apply(ctx, PresenceEventInput{
		UserID: userID, PageID: pageID, Kind: model.EventExit,
	})
	require.NoError(t, err)

	var exit model.PresenceEvent
	require.NoError(t, f.db.Where("kind = ?", model.EventExit).First(&exit).Error)
	assert.Equal(t, model.ExitCauseExplicit, exit.Cause)
}
