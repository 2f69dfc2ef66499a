package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/client"
	"presence-service/internal/model"
	"presence-service/internal/repository"
)

// fallbackPalette colors synthetic identities when the user directory is
// unreachable. Stable per userId so the same user always renders the same.
var fallbackPalette = []string{
	"#F44336", "#9C27B0", "#3F51B5", "#03A9F4", "#009688",
	"#4CAF50", "#FFC107", "#FF5722", "#795548", "#607D8B",
}

// EnrichedPresence is one row of the "who is here" list.
type EnrichedPresence struct {
	UserID       uuid.UUID          `json:"userId"`
	PageID       uuid.UUID          `json:"pageId"`
	PageURL      string             `json:"pageUrl"`
	DisplayName  string             `json:"displayName"`
	AvatarURL    string             `json:"avatarUrl,omitempty"`
	Color        string             `json:"color"`
	EnterTime    time.Time          `json:"enterTime"`
	LastSeen     time.Time          `json:"lastSeen"`
	Availability model.Availability `json:"availability"`
	CustomLabel  string             `json:"customLabel,omitempty"`
	AuraColor    string             `json:"auraColor,omitempty"`
}

// ActiveUsersService answers "who is currently present" for pages,
// communities and raw URLs. Results are sorted by enter_time ascending, so
// the longest-present user surfaces first.
type ActiveUsersService struct {
	presenceRepo *repository.PresenceRepository
	pageRepo     *repository.PageRepository
	users        client.UserClient
	logger       *zap.Logger
	now          func() time.Time
}

func NewActiveUsersService(
	presenceRepo *repository.PresenceRepository,
	pageRepo *repository.PageRepository,
	users client.UserClient,
	logger *zap.Logger,
) *ActiveUsersService {
	return &ActiveUsersService{
		presenceRepo: presenceRepo,
		pageRepo:     pageRepo,
		users:        users,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *ActiveUsersService) GetActiveUsers(ctx context.Context, pageID uuid.UUID, recencyMinutes int) ([]EnrichedPresence, error) {
	cutoff := s.now().Add(-time.Duration(recencyMinutes) * time.Minute)
	records, err := s.presenceRepo.ActiveByPage(ctx, pageID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	return s.enrich(ctx, records), nil
}

// GetActiveUsersForPages applies the same filter and ordering per page and
// returns the lists keyed by page.
func (s *ActiveUsersService) GetActiveUsersForPages(ctx context.Context, pageIDs []uuid.UUID, recencyMinutes int) (map[uuid.UUID][]EnrichedPresence, error) {
	cutoff := s.now().Add(-time.Duration(recencyMinutes) * time.Minute)
	records, err := s.presenceRepo.ActiveByPages(ctx, pageIDs, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}

	enriched := s.enrich(ctx, records)
	result := make(map[uuid.UUID][]EnrichedPresence, len(pageIDs))
	for _, e := range enriched {
		result[e.PageID] = append(result[e.PageID], e)
	}
	return result, nil
}

// GetActiveUsersForCommunities expands communities into their pages first.
func (s *ActiveUsersService) GetActiveUsersForCommunities(ctx context.Context, communityIDs []uuid.UUID, recencyMinutes int) (map[uuid.UUID][]EnrichedPresence, error) {
	pages, err := s.pageRepo.FindByCommunities(ctx, communityIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve community pages: %w", err)
	}

	pageIDs := make([]uuid.UUID, 0, len(pages))
	for _, p := range pages {
		pageIDs = append(pageIDs, p.ID)
	}
	return s.GetActiveUsersForPages(ctx, pageIDs, recencyMinutes)
}

// GetActiveUsersForURL resolves a raw URL through the page registry. An
// unknown URL is an empty page, not an error.
func (s *ActiveUsersService) GetActiveUsersForURL(ctx context.Context, rawURL string, recencyMinutes int) ([]EnrichedPresence, error) {
	page, err := s.pageRepo.FindByURL(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("resolve page url: %w", err)
	}
	if page == nil {
		return []EnrichedPresence{}, nil
	}
	return s.GetActiveUsers(ctx, page.ID, recencyMinutes)
}

// enrich attaches directory profiles. A failed lookup falls back to a
// deterministic synthetic identity instead of dropping the row.
func (s *ActiveUsersService) enrich(ctx context.Context, records []model.PresenceRecord) []EnrichedPresence {
	result := make([]EnrichedPresence, 0, len(records))
	profiles := make(map[uuid.UUID]*client.UserInfo, len(records))

	for _, rec := range records {
		info, seen := profiles[rec.UserID]
		if !seen {
			fetched, err := s.users.GetUserInfo(ctx, rec.UserID.String())
			if err != nil {
				s.logger.Debug("profile enrichment failed, using fallback",
					zap.String("userId", rec.UserID.String()),
					zap.Error(err))
			} else {
				info = fetched
			}
			profiles[rec.UserID] = info
		}

		e := EnrichedPresence{
			UserID:       rec.UserID,
			PageID:       rec.PageID,
			PageURL:      rec.PageURL,
			EnterTime:    rec.EnterTime,
			LastSeen:     rec.LastSeen,
			Availability: rec.Availability,
			CustomLabel:  rec.CustomLabel,
			AuraColor:    rec.AuraColor,
		}
		if info != nil {
			e.DisplayName = info.NickName
			e.AvatarURL = info.ProfileImageURL
			e.Color = info.Color
		}
		if e.DisplayName == "" || e.Color == "" {
			name, color := fallbackIdentity(rec.UserID)
			if e.DisplayName == "" {
				e.DisplayName = name
			}
			if e.Color == "" {
				e.Color = color
			}
		}
		result = append(result, e)
	}
	return result
}

// fallbackIdentity derives a stable display name and color from the user id.
func fallbackIdentity(userID uuid.UUID) (string, string) {
	h := fnv.New32a()
	h.Write([]byte(userID.String()))
	sum := h.Sum32()

	name := fmt.Sprintf("Guest-%s", userID.String()[:8])
	color := fallbackPalette[int(sum)%len(fallbackPalette)]
	return name, color
}
