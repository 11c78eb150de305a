package repository

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/energyguard/internal/eventstore/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.Event) error {
	if event == nil {
		return nil
	}
	return db.WithContext(ctx).Create(event).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Event, error) {
	var events []*domain.Event
	stmt := db.WithContext(ctx).Model(&domain.Event{}).
		Where("actor_user_id = ?", filter.ActorUserID)

	if eventType := strings.TrimSpace(string(filter.Type)); eventType != "" {
		stmt = stmt.Where("type = ?", eventType)
	}
	if filter.Since != nil {
		stmt = stmt.Where("created_at >= ?", filter.Since.UTC())
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) CountSince(ctx context.Context, db *gorm.DB, eventType domain.EventType, subject string, since time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.Event{}).
		Where("type = ? AND subject = ? AND created_at >= ?", eventType, subject, since.UTC()).
		Count(&count).Error
	return count, err
}

func (r *repo) ListByActor(ctx context.Context, db *gorm.DB, userID string) ([]*domain.Event, error) {
	var events []*domain.Event
	err := db.WithContext(ctx).
		Where("actor_user_id = ?", userID).
		Order("created_at asc, id asc").
		Find(&events).Error
	return events, err
}

func (r *repo) ReplaceActor(ctx context.Context, db *gorm.DB, event *domain.Event, replacement string) error {
	return db.WithContext(ctx).Model(&domain.Event{}).
		Where("id = ?", event.ID).
		Updates(map[string]any{
			"actor_user_id": replacement,
			"payload":       event.Payload,
		}).Error
}

func (r *repo) DeleteTypeBefore(ctx context.Context, db *gorm.DB, eventType domain.EventType, before time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("type = ? AND created_at < ?", eventType, before.UTC()).
		Delete(&domain.Event{})
	return res.RowsAffected, res.Error
}
