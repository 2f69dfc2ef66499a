// internal/model/page.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// Page is the local projection of the external page registry. Presence only
// needs enough of it to resolve events and scope realtime channels; URL
// canonicalization happens upstream.
type Page struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	URL         string     `gorm:"type:text;not null;uniqueIndex" json:"url"`
	Title       string     `gorm:"type:text" json:"title,omitempty"`
	CommunityID *uuid.UUID `gorm:"type:uuid;index" json:"communityId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (Page) TableName() string {
	return "pages"
}
