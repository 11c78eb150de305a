package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/energyguard/pkg/db/pagination"
	"gorm.io/gorm"
)

// NewEvent describes an event before it is assigned an id and timestamp.
type NewEvent struct {
	UserID  *string
	Type    EventType
	Subject string
	Payload map[string]any
}

type Query struct {
	pagination.Pagination
	UserID string
	Type   EventType
	Since  *time.Time
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []Event `json:"events"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *Event) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Event, error)
	CountSince(ctx context.Context, db *gorm.DB, eventType EventType, subject string, since time.Time) (int64, error)
	ListByActor(ctx context.Context, db *gorm.DB, userID string) ([]*Event, error)
	ReplaceActor(ctx context.Context, db *gorm.DB, event *Event, replacement string) error
	DeleteTypeBefore(ctx context.Context, db *gorm.DB, eventType EventType, before time.Time) (int64, error)
}

type Service interface {
	// Store appends an event durably; an error means nothing was written.
	Store(ctx context.Context, event NewEvent) (snowflake.ID, error)
	// StoreTx appends inside tx so the event commits with the caller's state change.
	StoreTx(ctx context.Context, tx *gorm.DB, event NewEvent) (snowflake.ID, error)
	// Emit appends in the background. Failures are logged and dropped.
	Emit(ctx context.Context, event NewEvent)
	GetUserEvents(ctx context.Context, q Query) (ListEventsResponse, error)
	CountSince(ctx context.Context, eventType EventType, subject string, since time.Time) (int64, error)
	AnonymizeUser(ctx context.Context, userID, replacement string) (int64, error)
	PruneType(ctx context.Context, eventType EventType, before time.Time) (int64, error)
	// Flush waits for in-flight Emit calls.
	Flush(ctx context.Context) error
}

var (
	ErrInvalidEventType = errors.New("invalid_event_type")
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
