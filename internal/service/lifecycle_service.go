package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/model"
	"presence-service/internal/realtime"
	"presence-service/internal/repository"
)

var (
	ErrInvalidEventKind    = errors.New("invalid presence event kind")
	ErrInvalidAvailability = errors.New("invalid availability value")
	ErrNoActiveSession     = errors.New("no active session for user and page")
	ErrPageResolution      = errors.New("page could not be resolved")
)

// PresenceEventInput is one lifecycle event as received from a client agent
// or synthesized by the reaper.
type PresenceEventInput struct {
	UserID       uuid.UUID
	PageID       uuid.UUID
	Kind         model.EventKind
	PageURL      string
	NewSession   bool // caller-signaled session discontinuity
	Availability model.Availability
	CustomLabel  string
	AuraColor    string
	Cause        model.ExitCause
}

// LifecycleService applies presence events against the store and publishes
// the resulting change. It is the single writer of presence rows: the reaper,
// the HTTP surface and anything else mutating liveness all pass through Apply.
type LifecycleService struct {
	presenceRepo *repository.PresenceRepository
	pageRepo     *repository.PageRepository
	broker       *realtime.Broker
	logger       *zap.Logger
	now          func() time.Time
}

func NewLifecycleService(
	presenceRepo *repository.PresenceRepository,
	pageRepo *repository.PageRepository,
	broker *realtime.Broker,
	logger *zap.Logger,
) *LifecycleService {
	return &LifecycleService{
		presenceRepo: presenceRepo,
		pageRepo:     pageRepo,
		broker:       broker,
		logger:       logger,
		now:          time.Now,
	}
}

// Apply runs one event through the session state machine and returns the
// resulting record. For an EXIT without a live session it returns (nil, nil):
// there is nothing to end and nothing is published.
func (s *LifecycleService) Apply(ctx context.Context, in PresenceEventInput) (*model.PresenceRecord, error) {
	if !in.Kind.Valid() {
		return nil, ErrInvalidEventKind
	}
	if in.UserID == uuid.Nil || in.PageID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing user or page id", ErrInvalidEventKind)
	}

	page, err := s.resolvePage(ctx, in)
	if err != nil {
		return nil, err
	}

	existing, err := s.presenceRepo.Find(ctx, in.UserID, in.PageID)
	if err != nil {
		return nil, fmt.Errorf("fetch presence record: %w", err)
	}

	now := s.now()
	var eventType realtime.EventType

	switch in.Kind {
	case model.EventEnter, model.EventHeartbeat:
		eventType, err = s.applyLiveness(ctx, in, page, existing, now)
	case model.EventAvailability:
		eventType, err = s.applyAvailability(ctx, in, existing, now)
	case model.EventExit:
		var ended bool
		ended, err = s.applyExit(ctx, in, existing, now)
		if err == nil && !ended {
			return nil, nil
		}
		eventType = realtime.EventTypeDelete
	}
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, in, now)

	record, err := s.presenceRepo.Find(ctx, in.UserID, in.PageID)
	if err != nil {
		return nil, fmt.Errorf("reload presence record: %w", err)
	}

	s.broker.Publish(ctx, realtime.ChangeEvent{
		Type:   eventType,
		PageID: in.PageID,
		Old:    existing,
		New:    record,
	})

	return record, nil
}

// applyLiveness handles ENTER and HEARTBEAT. A new session gets a fresh
// enter_time; a heartbeat on a live session only advances last_seen.
func (s *LifecycleService) applyLiveness(ctx context.Context, in PresenceEventInput, page *model.Page, existing *model.PresenceRecord, now time.Time) (realtime.EventType, error) {
	isNewSession := existing == nil || !existing.IsActive ||
		(in.Kind == model.EventEnter && in.NewSession)

	if !isNewSession {
		rows, err := s.presenceRepo.RefreshHeartbeat(ctx, in.UserID, in.PageID, now)
		if err != nil {
			return "", fmt.Errorf("refresh heartbeat: %w", err)
		}
		if rows > 0 {
			return realtime.EventTypeUpdate, nil
		}
		// Zero rows has two causes: the session ended between our read and
		// the update (reaper or a concurrent EXIT), or a concurrent heartbeat
		// with a later timestamp already committed and the monotonic guard
		// rejected this one. Re-read to tell them apart; a still-live session
		// means this heartbeat is simply outdated and must not restart
		// anything.
		current, err := s.presenceRepo.Find(ctx, in.UserID, in.PageID)
		if err != nil {
			return "", fmt.Errorf("recheck presence record: %w", err)
		}
		if current != nil && current.IsActive {
			return realtime.EventTypeUpdate, nil
		}
		isNewSession = true
	}

	record := &model.PresenceRecord{
		UserID:       in.UserID,
		PageID:       in.PageID,
		PageURL:      page.URL,
		EnterTime:    now,
		LastSeen:     now,
		IsActive:     true,
		Availability: model.AvailabilityAvailable,
	}
	if in.Availability.Valid() {
		record.Availability = in.Availability
	}
	if in.AuraColor != "" {
		record.AuraColor = in.AuraColor
	}

	if err := s.presenceRepo.UpsertSession(ctx, record); err != nil {
		return "", fmt.Errorf("upsert session: %w", err)
	}

	if existing == nil {
		return realtime.EventTypeInsert, nil
	}
	return realtime.EventTypeUpdate, nil
}

func (s *LifecycleService) applyAvailability(ctx context.Context, in PresenceEventInput, existing *model.PresenceRecord, now time.Time) (realtime.EventType, error) {
	if !in.Availability.Valid() {
		return "", ErrInvalidAvailability
	}
	if existing == nil || !existing.IsActive {
		return "", ErrNoActiveSession
	}

	customLabel := ""
	if in.Availability == model.AvailabilityCustom {
		customLabel = in.CustomLabel
	}
	auraColor := existing.AuraColor
	if in.AuraColor != "" {
		auraColor = in.AuraColor
	}

	rows, err := s.presenceRepo.SetAvailability(ctx, in.UserID, in.PageID, in.Availability, customLabel, auraColor, now)
	if err != nil {
		return "", fmt.Errorf("set availability: %w", err)
	}
	if rows == 0 {
		return "", ErrNoActiveSession
	}
	return realtime.EventTypeUpdate, nil
}

func (s *LifecycleService) applyExit(ctx context.Context, in PresenceEventInput, existing *model.PresenceRecord, now time.Time) (bool, error) {
	if existing == nil {
		return false, nil
	}

	rows, err := s.presenceRepo.MarkInactive(ctx, in.UserID, in.PageID, now)
	if err != nil {
		return false, fmt.Errorf("mark inactive: %w", err)
	}
	if rows == 0 {
		// Already inactive: reap after an explicit EXIT, or a double EXIT.
		return false, nil
	}

	if in.Cause == model.ExitCauseTimeout {
		s.logger.Info("session reaped by timeout",
			zap.String("userId", in.UserID.String()),
			zap.String("pageId", in.PageID.String()))
	}
	return true, nil
}

// resolvePage makes sure the page registry knows the page before any row is
// written. ENTER may register the page; every other kind requires it to
// already exist.
func (s *LifecycleService) resolvePage(ctx context.Context, in PresenceEventInput) (*model.Page, error) {
	page, err := s.pageRepo.FindByID(ctx, in.PageID)
	if err != nil {
		return nil, fmt.Errorf("lookup page: %w", err)
	}
	if page != nil {
		return page, nil
	}

	if in.Kind != model.EventEnter || in.PageURL == "" {
		return nil, fmt.Errorf("%w: page %s unknown", ErrPageResolution, in.PageID)
	}

	page = &model.Page{ID: in.PageID, URL: in.PageURL}
	if err := s.pageRepo.Ensure(ctx, page); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPageResolution, err)
	}
	return page, nil
}

// logEvent appends to the liveness event log. Failures are logged and
// swallowed: the log feeds reaper counting and diagnostics, not the record
// of truth.
func (s *LifecycleService) logEvent(ctx context.Context, in PresenceEventInput, now time.Time) {
	cause := in.Cause
	if in.Kind == model.EventExit && cause == "" {
		cause = model.ExitCauseExplicit
	}
	event := &model.PresenceEvent{
		UserID:    in.UserID,
		PageID:    in.PageID,
		Kind:      in.Kind,
		Cause:     cause,
		CreatedAt: now,
	}
	if err := s.presenceRepo.AppendEvent(ctx, event); err != nil {
		s.logger.Warn("failed to append presence event",
			zap.String("userId", in.UserID.String()),
			zap.String("pageId", in.PageID.String()),
			zap.Error(err))
	}
}
