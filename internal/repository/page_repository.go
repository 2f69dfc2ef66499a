package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"presence-service/internal/database"
	"presence-service/internal/model"
)

type PageRepository struct {
	db *gorm.DB
}

func NewPageRepository(db *gorm.DB) *PageRepository {
	return &PageRepository{db: db}
}

func (r *PageRepository) conn() *gorm.DB {
	if r.db != nil {
		return r.db
	}
	return database.GetDB()
}

func (r *PageRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Page, error) {
	var page model.Page
	err := r.conn().WithContext(ctx).First(&page, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (r *PageRepository) FindByURL(ctx context.Context, url string) (*model.Page, error) {
	var page model.Page
	err := r.conn().WithContext(ctx).First(&page, "url = ?", url).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// Ensure registers the page if the registry has not seen it yet. Conflicts on
// id are left untouched so a racing ENTER cannot clobber an existing row.
func (r *PageRepository) Ensure(ctx context.Context, page *model.Page) error {
	return r.conn().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(page).Error
}

func (r *PageRepository) FindByCommunities(ctx context.Context, communityIDs []uuid.UUID) ([]model.Page, error) {
	if len(communityIDs) == 0 {
		return nil, nil
	}
	var pages []model.Page
	err := r.conn().WithContext(ctx).
		Where("community_id IN ?", communityIDs).
		Find(&pages).Error
	return pages, err
}
