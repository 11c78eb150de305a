package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/energyguard/internal/cache"
	"github.com/smallbiznis/energyguard/internal/clock"
	"github.com/smallbiznis/energyguard/internal/config"
	energydomain "github.com/smallbiznis/energyguard/internal/energy/domain"
	eventdomain "github.com/smallbiznis/energyguard/internal/eventstore/domain"
	"github.com/smallbiznis/energyguard/internal/observability/metrics"
	"github.com/smallbiznis/energyguard/internal/observability/tracing"
	"github.com/smallbiznis/energyguard/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	tracerName = "energyguard/energy"

	verifiedPaymentTTL  = 10 * time.Minute
	verifiedPaymentSize = 10_000
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     energydomain.Repository
	Events   eventdomain.Service
	Cache    cache.Cache
	Clock    clock.Clock
	Config   *config.EnergyConfigHolder
	Verifier energydomain.PaymentVerifier
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     energydomain.Repository
	events   eventdomain.Service
	cache    cache.Cache
	clock    clock.Clock
	config   *config.EnergyConfigHolder
	verifier energydomain.PaymentVerifier
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	analyticsGroup singleflight.Group
	verified       *cache.TTLCache[string, energydomain.PaymentVerification]

	// retryInterval is shortened by tests.
	retryInterval time.Duration
	entropyMu     sync.Mutex
}

func NewService(p Params) energydomain.Service {
	svc := &Service{
		db:            p.DB,
		log:           p.Log.Named("energy.service"),
		repo:          p.Repo,
		events:        p.Events,
		cache:         p.Cache,
		clock:         p.Clock,
		config:        p.Config,
		verifier:      p.Verifier,
		metrics:       p.Metrics,
		tracer:        otel.Tracer(tracerName),
		retryInterval: 20 * time.Millisecond,
	}
	if svc.clock == nil {
		svc.clock = clock.New()
	}
	if svc.config == nil {
		svc.config = config.NewStaticEnergyConfig(config.DefaultEnergyConfig())
	}
	svc.verified = cache.NewTTLCache[string, energydomain.PaymentVerification](verifiedPaymentSize).WithClock(svc.clock.Now)
	return svc
}

func (s *Service) CheckBalance(ctx context.Context, userID string) (energydomain.Balance, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return energydomain.Balance{}, err
	}

	if cached, ok, err := cache.GetJSON[energydomain.Balance](ctx, s.cache, cache.NamespaceBalance, userID); err == nil && ok {
		return cached, nil
	}

	account, err := s.ensureAccount(ctx, userID)
	if err != nil {
		return energydomain.Balance{}, err
	}

	balance := toBalance(account)
	if err := cache.SetJSON(ctx, s.cache, cache.NamespaceBalance, userID, balance, s.config.Get().BalanceCacheTTL); err != nil {
		s.log.Warn("failed to cache balance", zap.Error(err))
	}
	return balance, nil
}

func (s *Service) CanPerformAction(ctx context.Context, userID, actionName string) (energydomain.Decision, error) {
	action, err := energydomain.ParseAction(strings.TrimSpace(actionName))
	if err != nil {
		return energydomain.Decision{}, err
	}
	balance, err := s.CheckBalance(ctx, userID)
	if err != nil {
		return energydomain.Decision{}, err
	}

	decision := energydomain.Decision{
		Action:         action,
		EnergyRequired: action.Cost(),
		CurrentEnergy:  balance.CurrentEnergy,
	}
	if balance.Unlimited {
		decision.CanPerform = true
		return decision, nil
	}

	current := energydomain.ToUnits(balance.CurrentEnergy)
	if current >= action.CostUnits() {
		decision.CanPerform = true
		return decision, nil
	}
	deficit := action.CostUnits() - current
	decision.Deficit = energydomain.ToEnergy(deficit)
	decision.SuggestedPack = energydomain.SuggestPack(deficit)
	return decision, nil
}

// ensureAccount loads the account, creating it with the configured default
// balance on first access.
func (s *Service) ensureAccount(ctx context.Context, userID string) (*energydomain.Account, error) {
	return retry(ctx, s, "ensure_account", func() (*energydomain.Account, error) {
		account, err := s.repo.GetAccount(ctx, s.db, userID)
		if err != nil || account != nil {
			return account, err
		}

		cfg := s.config.Get()
		now := s.clock.Now()
		account = &energydomain.Account{
			UserID:           userID,
			CurrentEnergy:    energydomain.ToUnits(cfg.DefaultEnergy),
			MaxEnergy:        energydomain.ToUnits(cfg.MaxFor(string(energydomain.SubscriptionFree))),
			SubscriptionType: energydomain.SubscriptionFree,
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			created, err := s.repo.InsertAccountIfAbsent(ctx, tx, account)
			if err != nil || !created {
				return err
			}
			_, err = s.events.StoreTx(ctx, tx, eventdomain.NewEvent{
				UserID: &userID,
				Type:   eventdomain.EventEnergyAccountCreated,
				Payload: map[string]any{
					"initial_energy": energydomain.ToEnergy(account.CurrentEnergy),
					"max_energy":     energydomain.ToEnergy(account.MaxEnergy),
				},
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		// A concurrent creator may have won; read back whichever row exists.
		return s.repo.GetAccount(ctx, s.db, userID)
	})
}

// retry runs op, retrying transient store errors and optimistic conflicts
// with exponential backoff. Anything else is returned as is.
func retry[T any](ctx context.Context, s *Service, opName string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval
	b.MaxInterval = 10 * s.retryInterval

	tries := s.config.Get().MutationRetries + 1
	if tries < 1 {
		tries = 1
	}

	result, err := backoff.Retry(ctx, func() (T, error) {
		res, err := op()
		if err == nil {
			return res, nil
		}
		if errors.Is(err, energydomain.ErrConcurrencyConflict) || db.IsTransientErr(err) {
			return res, err
		}
		return res, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(tries)))

	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, energydomain.ErrConcurrencyConflict):
		s.log.Warn("optimistic update kept conflicting", zap.String("op", opName))
		return result, err
	case db.IsTransientErr(err):
		s.log.Warn("store unavailable after retries", zap.String("op", opName), zap.Error(err))
		return result, &energydomain.TransientInfraError{Op: opName, Err: err}
	default:
		return result, err
	}
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if err := s.cache.Delete(ctx, cache.NamespaceBalance, userID); err != nil {
		s.log.Warn("failed to invalidate balance cache", zap.Error(err))
	}
	if err := s.cache.Delete(ctx, cache.NamespaceAnalytics, userID); err != nil {
		s.log.Warn("failed to invalidate analytics cache", zap.Error(err))
	}
}

func (s *Service) newTransactionID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.clock.Now()), ulid.DefaultEntropy()).String()
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(tracing.SafeAttributes(attrs...)...))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !isBusinessOutcome(err) {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "energy operation failed")
	}
	span.End()
}

// isBusinessOutcome marks errors that are expected answers rather than faults.
func isBusinessOutcome(err error) bool {
	var insufficient *energydomain.InsufficientEnergyError
	var rule *energydomain.BusinessRuleError
	return errors.As(err, &insufficient) || errors.As(err, &rule) || energydomain.IsValidationError(err)
}

func toBalance(account *energydomain.Account) energydomain.Balance {
	balance := energydomain.Balance{
		UserID:           account.UserID,
		CurrentEnergy:    energydomain.ToEnergy(account.CurrentEnergy),
		MaxEnergy:        energydomain.ToEnergy(account.MaxEnergy),
		SubscriptionType: account.SubscriptionType,
		Unlimited:        account.Unlimited(),
		TotalPurchased:   energydomain.ToEnergy(account.TotalPurchased),
		TotalConsumed:    energydomain.ToEnergy(account.TotalConsumed),
	}
	switch {
	case account.Unlimited():
		balance.Percentage = 100
		balance.CanPerformBasicAction = true
	case account.MaxEnergy > 0:
		balance.Percentage = math.Round(float64(account.CurrentEnergy)/float64(account.MaxEnergy)*1000) / 10
		balance.CanPerformBasicAction = account.CurrentEnergy >= energydomain.BasicAction.CostUnits()
	}
	return balance
}

func receiptFrom(tx *energydomain.Transaction) energydomain.Receipt {
	receipt := energydomain.Receipt{
		TransactionID:   tx.ID,
		Kind:            tx.Kind,
		Action:          tx.ActionName,
		EnergyRemaining: energydomain.ToEnergy(tx.BalanceAfter),
	}
	if tx.Amount < 0 || tx.Kind == energydomain.TransactionConsume {
		receipt.EnergyConsumed = energydomain.ToEnergy(-tx.Amount)
	} else {
		receipt.EnergyCredited = energydomain.ToEnergy(tx.Amount)
	}
	return receipt
}

func normalizeUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || len(userID) > 128 {
		return "", energydomain.ErrInvalidUser
	}
	return userID, nil
}

// idempotencyKey namespaces a caller key by transaction kind, so a refund
// never replays a consume that reused the same key.
func idempotencyKey(kind energydomain.TransactionKind, key string) *string {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	scoped := string(kind) + ":" + key
	return &scoped
}

func copyContext(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
