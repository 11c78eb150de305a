package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type EventType string

const (
	EventEnergyAccountCreated EventType = "energy_account_created"
	EventEnergyAction         EventType = "energy_action"
	EventEnergyRefund         EventType = "energy_refund"
	EventEnergyPurchase       EventType = "energy_purchase"
	EventSubscriptionChanged  EventType = "subscription_changed"
	EventRateLimitExceeded    EventType = "rate_limit_exceeded"
	EventRateLimitRequest     EventType = "rate_limit_request"
	EventRateLimitReset       EventType = "rate_limit_reset"
)

var knownTypes = map[EventType]struct{}{
	EventEnergyAccountCreated: {},
	EventEnergyAction:         {},
	EventEnergyRefund:         {},
	EventEnergyPurchase:       {},
	EventSubscriptionChanged:  {},
	EventRateLimitExceeded:    {},
	EventRateLimitRequest:     {},
	EventRateLimitReset:       {},
}

func (t EventType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is an append-only record of a state change. Subject is an opaque
// key (for rate-limit events "<scope>:<identifier hash>") used by range
// counts; it never contains raw identifiers.
type Event struct {
	ID          snowflake.ID      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Type        EventType         `gorm:"type:varchar(64);not null;index:idx_events_type_subject_created,priority:1" json:"type"`
	ActorUserID *string           `gorm:"type:varchar(128);index:idx_events_actor_created,priority:1" json:"actor_user_id,omitempty"`
	Subject     string            `gorm:"type:varchar(160);not null;default:'';index:idx_events_type_subject_created,priority:2" json:"subject,omitempty"`
	Payload     datatypes.JSONMap `gorm:"type:json" json:"payload"`
	CreatedAt   time.Time         `gorm:"not null;index:idx_events_type_subject_created,priority:3;index:idx_events_actor_created,priority:2" json:"created_at"`
}

func (Event) TableName() string { return "events" }

type EventCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	ActorUserID string
	Type        EventType
	Since       *time.Time
	Cursor      *EventCursor
	Limit       int
}
