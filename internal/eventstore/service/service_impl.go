package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/energyguard/internal/clock"
	"github.com/smallbiznis/energyguard/internal/eventstore/domain"
	obscontext "github.com/smallbiznis/energyguard/internal/observability/context"
	"github.com/smallbiznis/energyguard/internal/observability/metrics"
	"github.com/smallbiznis/energyguard/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	emitQueueSize = 256
	emitTimeout   = 5 * time.Second
)

// Payload keys that can identify a person; stripped on anonymization.
var identityKeys = []string{"user_id", "email", "identifier", "ip", "ip_address", "payment_reference", "user_agent"}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      domain.Repository
	Clock     clock.Clock
	Metrics   *metrics.Metrics `optional:"true"`
	Lifecycle fx.Lifecycle     `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    domain.Repository
	clock   clock.Clock
	metrics *metrics.Metrics

	inflight chan struct{}

	// pending counts Emit writes not yet finished; idle is closed when it
	// drops back to zero.
	mu      sync.Mutex
	pending int
	idle    chan struct{}
	closed  bool
}

func NewService(p Params) domain.Service {
	svc := &Service{
		db:       p.DB,
		log:      p.Log.Named("eventstore.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		clock:    p.Clock,
		metrics:  p.Metrics,
		inflight: make(chan struct{}, emitQueueSize),
	}
	if svc.clock == nil {
		svc.clock = clock.New()
	}
	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{OnStop: svc.Close})
	}
	return svc
}

func (s *Service) Store(ctx context.Context, event domain.NewEvent) (snowflake.ID, error) {
	return s.StoreTx(ctx, s.db, event)
}

func (s *Service) StoreTx(ctx context.Context, tx *gorm.DB, event domain.NewEvent) (snowflake.ID, error) {
	entry, err := s.build(ctx, event)
	if err != nil {
		return 0, err
	}
	if err := s.repo.Insert(ctx, tx, entry); err != nil {
		return 0, err
	}
	return entry.ID, nil
}

func (s *Service) Emit(ctx context.Context, event domain.NewEvent) {
	entry, err := s.build(ctx, event)
	if err != nil {
		s.log.Warn("event rejected", zap.String("event_type", string(event.Type)), zap.Error(err))
		return
	}

	if !s.begin() {
		s.metrics.RecordEventDropped(ctx, string(event.Type))
		s.log.Warn("event dropped, store closed", zap.String("event_type", string(event.Type)))
		return
	}

	select {
	case s.inflight <- struct{}{}:
	default:
		s.done()
		s.metrics.RecordEventDropped(ctx, string(event.Type))
		s.log.Warn("event dropped, emit queue full", zap.String("event_type", string(event.Type)))
		return
	}

	go func() {
		defer func() {
			<-s.inflight
			s.done()
		}()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
		defer cancel()
		if err := s.repo.Insert(writeCtx, s.db, entry); err != nil {
			s.metrics.RecordEventDropped(writeCtx, string(entry.Type))
			s.log.Warn("failed to emit event", zap.String("event_type", string(entry.Type)), zap.Error(err))
		}
	}()
}

func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
	return true
}

func (s *Service) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	if s.pending == 0 {
		close(s.idle)
	}
}

// Flush waits until no Emit write is in flight.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.pending == 0 {
		s.mu.Unlock()
		return nil
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting Emit calls and drains the ones in flight.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush(ctx)
}

func (s *Service) GetUserEvents(ctx context.Context, q domain.Query) (domain.ListEventsResponse, error) {
	userID := strings.TrimSpace(q.UserID)
	if userID == "" {
		return domain.ListEventsResponse{}, domain.ErrInvalidUser
	}
	if q.Type != "" && !q.Type.Valid() {
		return domain.ListEventsResponse{}, domain.ErrInvalidEventType
	}

	var cursor *domain.EventCursor
	if strings.TrimSpace(q.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(q.PageToken)
		if err != nil {
			return domain.ListEventsResponse{}, domain.ErrInvalidPageToken
		}
		createdAt, err := decoded.CursorTime()
		if err != nil {
			return domain.ListEventsResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return domain.ListEventsResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.EventCursor{ID: id, CreatedAt: createdAt}
	}

	limit := q.Limit()
	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		ActorUserID: userID,
		Type:        q.Type,
		Since:       q.Since,
		Cursor:      cursor,
		Limit:       limit,
	})
	if err != nil {
		return domain.ListEventsResponse{}, err
	}

	items, pageInfo, err := pagination.BuildCursorPage(items, limit, func(item *domain.Event) pagination.Cursor {
		return pagination.NewCursor(item.ID.String(), item.CreatedAt)
	})
	if err != nil {
		return domain.ListEventsResponse{}, err
	}

	events := make([]domain.Event, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, *item)
	}
	return domain.ListEventsResponse{PageInfo: pageInfo, Events: events}, nil
}

func (s *Service) CountSince(ctx context.Context, eventType domain.EventType, subject string, since time.Time) (int64, error) {
	if !eventType.Valid() {
		return 0, domain.ErrInvalidEventType
	}
	return s.repo.CountSince(ctx, s.db, eventType, subject, since)
}

// AnonymizeUser rewrites the actor of every event owned by userID and strips
// identity fields from their payloads. It is the only mutation events allow.
func (s *Service) AnonymizeUser(ctx context.Context, userID, replacement string) (int64, error) {
	userID = strings.TrimSpace(userID)
	replacement = strings.TrimSpace(replacement)
	if userID == "" || replacement == "" {
		return 0, domain.ErrInvalidUser
	}

	var updated int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		events, err := s.repo.ListByActor(ctx, tx, userID)
		if err != nil {
			return err
		}
		for _, event := range events {
			event.Payload = scrubPayload(event.Payload)
			if err := s.repo.ReplaceActor(ctx, tx, event, replacement); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Info("events anonymized", zap.Int64("count", updated))
	return updated, nil
}

func (s *Service) PruneType(ctx context.Context, eventType domain.EventType, before time.Time) (int64, error) {
	if !eventType.Valid() {
		return 0, domain.ErrInvalidEventType
	}
	return s.repo.DeleteTypeBefore(ctx, s.db, eventType, before)
}

func (s *Service) build(ctx context.Context, event domain.NewEvent) (*domain.Event, error) {
	if !event.Type.Valid() {
		return nil, domain.ErrInvalidEventType
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	return &domain.Event{
		ID:          s.genID.Generate(),
		Type:        event.Type,
		ActorUserID: normalizePointer(event.UserID),
		Subject:     strings.TrimSpace(event.Subject),
		Payload:     payload,
		CreatedAt:   s.clock.Now().UTC(),
	}, nil
}

func scrubPayload(payload datatypes.JSONMap) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for key, value := range payload {
		out[key] = value
	}
	for _, key := range identityKeys {
		delete(out, key)
	}
	out["anonymized"] = true
	return out
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
