// internal/model/presence.go
package model

import (
	"time"

	"github.com/google/uuid"
)

type Availability string

const (
	AvailabilityAvailable Availability = "AVAILABLE"
	AvailabilityBusy      Availability = "BUSY"
	AvailabilityAway      Availability = "AWAY"
	AvailabilityCustom    Availability = "CUSTOM"
)

func (a Availability) Valid() bool {
	switch a {
	case AvailabilityAvailable, AvailabilityBusy, AvailabilityAway, AvailabilityCustom:
		return true
	}
	return false
}

type EventKind string

const (
	EventEnter        EventKind = "ENTER"
	EventHeartbeat    EventKind = "HEARTBEAT"
	EventExit         EventKind = "EXIT"
	EventAvailability EventKind = "AVAILABILITY"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventEnter, EventHeartbeat, EventExit, EventAvailability:
		return true
	}
	return false
}

// ExitCause distinguishes a client-sent EXIT from one synthesized by the reaper.
type ExitCause string

const (
	ExitCauseExplicit ExitCause = "explicit"
	ExitCauseTimeout  ExitCause = "timeout"
)

// PresenceRecord holds the liveness state of one user on one page.
// EnterTime marks the start of the current continuous session and is only
// rewritten on a session boundary; heartbeats advance LastSeen alone.
type PresenceRecord struct {
	UserID       uuid.UUID    `gorm:"type:uuid;primaryKey" json:"userId"`
	PageID       uuid.UUID    `gorm:"type:uuid;primaryKey;index:idx_page_active,priority:1" json:"pageId"`
	PageURL      string       `gorm:"type:text" json:"pageUrl"`
	EnterTime    time.Time    `gorm:"not null" json:"enterTime"`
	LastSeen     time.Time    `gorm:"not null;index" json:"lastSeen"`
	IsActive     bool         `gorm:"not null;default:false;index:idx_page_active,priority:2" json:"isActive"`
	Availability Availability `gorm:"type:varchar(20);default:'AVAILABLE'" json:"availability"`
	CustomLabel  string       `gorm:"type:varchar(120)" json:"customLabel,omitempty"`
	AuraColor    string       `gorm:"type:varchar(20)" json:"auraColor,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

func (PresenceRecord) TableName() string {
	return "presence_records"
}

// PresenceEvent is an append-only log row written for every applied lifecycle
// event. The reaper counts HEARTBEAT rows here; the retention job prunes it.
type PresenceEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index:idx_event_pair,priority:1" json:"userId"`
	PageID    uuid.UUID `gorm:"type:uuid;not null;index:idx_event_pair,priority:2" json:"pageId"`
	Kind      EventKind `gorm:"type:varchar(20);not null" json:"kind"`
	Cause     ExitCause `gorm:"type:varchar(20)" json:"cause,omitempty"`
	CreatedAt time.Time `gorm:"index:idx_event_pair,priority:3" json:"createdAt"`
}

func (PresenceEvent) TableName() string {
	return "presence_events"
}
