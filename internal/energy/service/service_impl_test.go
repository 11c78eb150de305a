package service

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/energyguard/internal/cache"
	"github.com/smallbiznis/energyguard/internal/clock"
	"github.com/smallbiznis/energyguard/internal/config"
	energydomain "github.com/smallbiznis/energyguard/internal/energy/domain"
	"github.com/smallbiznis/energyguard/internal/energy/repository"
	eventdomain "github.com/smallbiznis/energyguard/internal/eventstore/domain"
	eventrepository "github.com/smallbiznis/energyguard/internal/eventstore/repository"
	eventservice "github.com/smallbiznis/energyguard/internal/eventstore/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type verifierStub struct {
	mu       sync.Mutex
	calls    int
	verified bool
	err      error
}

func (v *verifierStub) VerifyPayment(context.Context, string, energydomain.Pack, string) (energydomain.PaymentVerification, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return energydomain.PaymentVerification{}, v.err
	}
	return energydomain.PaymentVerification{Verified: v.verified}, nil
}

// flakyRepo injects store failures in front of the real repository.
type flakyRepo struct {
	energydomain.Repository

	mu              sync.Mutex
	consumeFailures int
	conflicts       int

	// beforeConsume runs once inside the consume transaction, ahead of the debit.
	beforeConsume func(tx *gorm.DB)
}

func (f *flakyRepo) ConsumeIfSufficient(ctx context.Context, db *gorm.DB, userID string, cost int64, now time.Time) (bool, error) {
	f.mu.Lock()
	if f.consumeFailures > 0 {
		f.consumeFailures--
		f.mu.Unlock()
		return false, driver.ErrBadConn
	}
	hook := f.beforeConsume
	f.beforeConsume = nil
	f.mu.Unlock()
	if hook != nil {
		hook(db)
	}
	return f.Repository.ConsumeIfSufficient(ctx, db, userID, cost, now)
}

func (f *flakyRepo) UpdateAccountVersioned(ctx context.Context, db *gorm.DB, account *energydomain.Account, expectedVersion int64) (bool, error) {
	f.mu.Lock()
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return false, nil
	}
	f.mu.Unlock()
	return f.Repository.UpdateAccountVersioned(ctx, db, account, expectedVersion)
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	clock    *clock.FakeClock
	events   eventdomain.Service
	verifier *verifierStub
	repo     *flakyRepo
}

func setupEnergyService(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&energydomain.Account{}, &energydomain.Transaction{}, &eventdomain.Event{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	events := eventservice.NewService(eventservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  eventrepository.Provide(),
		Clock: fc,
	})
	verifier := &verifierStub{verified: true}
	repo := &flakyRepo{Repository: repository.Provide()}

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Repo:     repo,
		Events:   events,
		Cache:    cache.NewFallbackCache(cache.NewMemoryCache(100), nil, zap.NewNop()),
		Clock:    fc,
		Config:   config.NewStaticEnergyConfig(config.DefaultEnergyConfig()),
		Verifier: verifier,
	}).(*Service)
	svc.retryInterval = time.Millisecond

	return &fixture{svc: svc, db: db, clock: fc, events: events, verifier: verifier, repo: repo}
}

func (f *fixture) account(t *testing.T, userID string) energydomain.Account {
	t.Helper()
	var account energydomain.Account
	require.NoError(t, f.db.Where("user_id = ?", userID).Take(&account).Error)
	return account
}

func (f *fixture) transactions(t *testing.T, userID string) []energydomain.Transaction {
	t.Helper()
	var items []energydomain.Transaction
	require.NoError(t, f.db.Where("user_id = ?", userID).Order("created_at asc, id asc").Find(&items).Error)
	return items
}

// assertLedgerInvariants checks the balance bounds and that the signed
// transaction amounts explain the whole balance change.
func (f *fixture) assertLedgerInvariants(t *testing.T, userID string) {
	t.Helper()
	account := f.account(t, userID)
	if !account.Unlimited() {
		assert.GreaterOrEqual(t, account.CurrentEnergy, int64(0))
		assert.LessOrEqual(t, account.CurrentEnergy, account.MaxEnergy)
	}
	var sum int64
	for _, tx := range f.transactions(t, userID) {
		sum += tx.Amount
	}
	initial := energydomain.ToUnits(config.DefaultEnergyConfig().DefaultEnergy)
	assert.Equal(t, account.CurrentEnergy-initial, sum)
}

func TestFreshUserBalance(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	balance, err := f.svc.CheckBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 85.0, balance.CurrentEnergy)
	assert.Equal(t, 100.0, balance.MaxEnergy)
	assert.Equal(t, 85.0, balance.Percentage)
	assert.True(t, balance.CanPerformBasicAction)
	assert.Equal(t, energydomain.SubscriptionFree, balance.SubscriptionType)

	decision, err := f.svc.CanPerformAction(ctx, "u1", "conseil_rapide")
	require.NoError(t, err)
	assert.True(t, decision.CanPerform)
	assert.Equal(t, 5.0, decision.EnergyRequired)
	assert.Zero(t, decision.Deficit)

	created, err := f.events.CountSince(ctx, eventdomain.EventEnergyAccountCreated, "", f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, created)
}

func TestConsumeRecordsTransactionAndEvent(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	receipt, err := f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "lettre_motivation"})
	require.NoError(t, err)
	assert.Equal(t, 15.0, receipt.EnergyConsumed)
	assert.Equal(t, 70.0, receipt.EnergyRemaining)
	assert.NotEmpty(t, receipt.TransactionID)

	txs := f.transactions(t, "u1")
	require.Len(t, txs, 1)
	assert.Equal(t, energydomain.TransactionConsume, txs[0].Kind)
	assert.EqualValues(t, 700, txs[0].BalanceAfter)
	assert.EqualValues(t, -150, txs[0].Amount)

	resp, err := f.events.GetUserEvents(ctx, eventdomain.Query{UserID: "u1", Type: eventdomain.EventEnergyAction})
	require.NoError(t, err)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "lettre_motivation", resp.Events[0].Payload["action"])
	assert.Equal(t, receipt.TransactionID, resp.Events[0].Payload["transaction_id"])

	balance, err := f.svc.CheckBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 70.0, balance.CurrentEnergy)
	f.assertLedgerInvariants(t, "u1")
}

func TestConsumeUntilInsufficient(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	for _, want := range []float64{65, 45, 25, 5} {
		receipt, err := f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "analyse_cv"})
		require.NoError(t, err)
		assert.Equal(t, want, receipt.EnergyRemaining)
	}

	_, err := f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "analyse_cv"})
	var insufficient *energydomain.InsufficientEnergyError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 20.0, insufficient.Required)
	assert.Equal(t, 5.0, insufficient.Current)
	assert.Equal(t, 15.0, insufficient.Deficit)
	assert.Equal(t, energydomain.PackPetite, insufficient.SuggestedPack)

	decision, err := f.svc.CanPerformAction(ctx, "u1", "analyse_cv")
	require.NoError(t, err)
	assert.False(t, decision.CanPerform)
	assert.Equal(t, 15.0, decision.Deficit)

	assert.Len(t, f.transactions(t, "u1"), 4)
	f.assertLedgerInvariants(t, "u1")
}

func TestConsumeIdempotencyKey(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()
	req := energydomain.ConsumeRequest{UserID: "u1", Action: "lettre_motivation", IdempotencyKey: "req-1"}

	first, err := f.svc.Consume(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.Consume(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, f.transactions(t, "u1"), 1)
	assert.EqualValues(t, 700, f.account(t, "u1").CurrentEnergy)
}

func TestIdempotencyKeysAreScopedByKind(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	consumed, err := f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "lettre_motivation", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	refunded, err := f.svc.Refund(ctx, energydomain.RefundRequest{UserID: "u1", Amount: 10, Reason: "generation_failed", IdempotencyKey: "req-1"})
	require.NoError(t, err)

	assert.NotEqual(t, consumed.TransactionID, refunded.TransactionID)
	assert.Equal(t, 10.0, refunded.EnergyCredited)
	assert.Equal(t, 80.0, refunded.EnergyRemaining)
	assert.Len(t, f.transactions(t, "u1"), 2)

	again, err := f.svc.Refund(ctx, energydomain.RefundRequest{UserID: "u1", Amount: 10, Reason: "generation_failed", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, refunded, again)
	assert.Len(t, f.transactions(t, "u1"), 2)
}

func TestConcurrentConsumeIsLinearizable(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()
	_, err := f.svc.CheckBalance(ctx, "u1")
	require.NoError(t, err)

	const callers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		denied    int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "lettre_motivation"})
			mu.Lock()
			defer mu.Unlock()
			var insufficient *energydomain.InsufficientEnergyError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &insufficient):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// floor(85 / 15) = 5, leaving 85 - 75 = 10.
	assert.Equal(t, 5, successes)
	assert.Equal(t, callers-5, denied)
	assert.EqualValues(t, 100, f.account(t, "u1").CurrentEnergy)
	f.assertLedgerInvariants(t, "u1")
}

func TestUnknownActionIsValidationError(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	_, err := f.svc.CanPerformAction(ctx, "u1", "write_novel")
	assert.True(t, energydomain.IsValidationError(err))

	_, err = f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "write_novel"})
	assert.True(t, energydomain.IsValidationError(err))

	_, err = f.svc.CheckBalance(ctx, "  ")
	assert.ErrorIs(t, err, energydomain.ErrInvalidUser)
}

func TestUnlimitedAccount(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	balance, err := f.svc.UpdateSubscription(ctx, "u1", energydomain.SubscriptionUnlimited)
	require.NoError(t, err)
	assert.True(t, balance.Unlimited)
	assert.Equal(t, 100.0, balance.Percentage)

	decision, err := f.svc.CanPerformAction(ctx, "u1", "coaching_approfondi")
	require.NoError(t, err)
	assert.True(t, decision.CanPerform)
	assert.Zero(t, decision.Deficit)

	receipt, err := f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "coaching_approfondi"})
	require.NoError(t, err)
	assert.Zero(t, receipt.EnergyConsumed)
	assert.Equal(t, 85.0, receipt.EnergyRemaining)

	_, err = f.svc.PurchaseEnergy(ctx, energydomain.PurchaseRequest{UserID: "u1", Pack: "recharge_petite", PaymentReference: "pi_1"})
	var rule *energydomain.BusinessRuleError
	require.ErrorAs(t, err, &rule)
	assert.Equal(t, energydomain.RuleUnlimitedPurchase, rule.Rule)
	assert.Zero(t, f.verifier.calls)
	f.assertLedgerInvariants(t, "u1")
}

func TestConsumeReadsPlanInsideTransaction(t *testing.T) {
	setPlan := func(t *testing.T, plan energydomain.SubscriptionType, current int64) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			require.NoError(t, tx.Model(&energydomain.Account{}).
				Where("user_id = ?", "u1").
				Updates(map[string]any{"subscription_type": plan, "current_energy": current}).Error)
		}
	}

	t.Run("upgraded to unlimited", func(t *testing.T) {
		f := setupEnergyService(t)
		ctx := context.Background()
		_, err := f.svc.CheckBalance(ctx, "u1")
		require.NoError(t, err)

		f.repo.beforeConsume = setPlan(t, energydomain.SubscriptionUnlimited, 0)
		receipt, err := f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "coaching_approfondi"})
		require.NoError(t, err)
		assert.Zero(t, receipt.EnergyConsumed)
	})

	t.Run("downgraded from unlimited", func(t *testing.T) {
		f := setupEnergyService(t)
		ctx := context.Background()
		_, err := f.svc.UpdateSubscription(ctx, "u1", energydomain.SubscriptionUnlimited)
		require.NoError(t, err)

		f.repo.beforeConsume = setPlan(t, energydomain.SubscriptionFree, energydomain.ToUnits(85))
		receipt, err := f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "lettre_motivation"})
		require.NoError(t, err)
		assert.Equal(t, 15.0, receipt.EnergyConsumed)
		assert.Equal(t, 70.0, receipt.EnergyRemaining)
	})
}

func TestRefundIsCappedAtMax(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	_, err := f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "lettre_motivation"})
	require.NoError(t, err)

	receipt, err := f.svc.Refund(ctx, energydomain.RefundRequest{UserID: "u1", Amount: 50, Reason: "generation_failed"})
	require.NoError(t, err)
	assert.Equal(t, 30.0, receipt.EnergyCredited)
	assert.Equal(t, 100.0, receipt.EnergyRemaining)

	_, err = f.svc.Refund(ctx, energydomain.RefundRequest{UserID: "u1", Amount: -1})
	assert.True(t, energydomain.IsValidationError(err))
	f.assertLedgerInvariants(t, "u1")

	// Refunds create the account on demand.
	receipt, err = f.svc.Refund(ctx, energydomain.RefundRequest{UserID: "u2", Amount: 5.5})
	require.NoError(t, err)
	assert.Equal(t, 90.5, receipt.EnergyRemaining)
}

func TestPurchaseAppliesFirstPurchaseBonusCapped(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	_, err := f.svc.UpdateSubscription(ctx, "u1", energydomain.SubscriptionPremium)
	require.NoError(t, err)

	first, err := f.svc.PurchaseEnergy(ctx, energydomain.PurchaseRequest{UserID: "u1", Pack: "recharge_petite", PaymentReference: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, 40.0, first.EnergyCredited)
	assert.Equal(t, 125.0, first.EnergyRemaining)

	again, err := f.svc.PurchaseEnergy(ctx, energydomain.PurchaseRequest{UserID: "u1", Pack: "recharge_petite", PaymentReference: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	second, err := f.svc.PurchaseEnergy(ctx, energydomain.PurchaseRequest{UserID: "u1", Pack: "recharge_standard", PaymentReference: "pi_2"})
	require.NoError(t, err)
	assert.Equal(t, 75.0, second.EnergyCredited, "capped at the premium maximum")
	assert.Equal(t, 200.0, second.EnergyRemaining)

	account := f.account(t, "u1")
	assert.NotNil(t, account.FirstPurchaseAt)
	assert.EqualValues(t, 1150, account.TotalPurchased)
	f.assertLedgerInvariants(t, "u1")
}

func TestPurchaseRejectedPayment(t *testing.T) {
	f := setupEnergyService(t)
	f.verifier.verified = false

	_, err := f.svc.PurchaseEnergy(context.Background(), energydomain.PurchaseRequest{UserID: "u1", Pack: "recharge_grande", PaymentReference: "pi_x"})
	var rule *energydomain.BusinessRuleError
	require.ErrorAs(t, err, &rule)
	assert.Equal(t, energydomain.RulePaymentRejected, rule.Rule)

	_, err = f.svc.PurchaseEnergy(context.Background(), energydomain.PurchaseRequest{UserID: "u1", Pack: "mega_pack", PaymentReference: "pi_x"})
	assert.True(t, energydomain.IsValidationError(err))
}

func TestDowngradeTrimsBalanceWithAdjustment(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	_, err := f.svc.UpdateSubscription(ctx, "u1", energydomain.SubscriptionPremium)
	require.NoError(t, err)
	_, err = f.svc.PurchaseEnergy(ctx, energydomain.PurchaseRequest{UserID: "u1", Pack: "recharge_petite", PaymentReference: "pi_1"})
	require.NoError(t, err)

	balance, err := f.svc.UpdateSubscription(ctx, "u1", energydomain.SubscriptionFree)
	require.NoError(t, err)
	assert.Equal(t, 100.0, balance.CurrentEnergy)
	assert.Equal(t, 100.0, balance.MaxEnergy)

	txs := f.transactions(t, "u1")
	require.Len(t, txs, 2)
	assert.Equal(t, energydomain.TransactionAdjustment, txs[1].Kind)
	assert.EqualValues(t, -250, txs[1].Amount)
	f.assertLedgerInvariants(t, "u1")
}

func TestTransientErrorsAreRetried(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	f.repo.consumeFailures = 2
	receipt, err := f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "question_simple"})
	require.NoError(t, err)
	assert.Equal(t, 82.0, receipt.EnergyRemaining)

	f.repo.consumeFailures = 100
	_, err = f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "question_simple"})
	var transient *energydomain.TransientInfraError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, "consume", transient.Op)

	// The failed attempt must not have changed anything.
	assert.EqualValues(t, 820, f.account(t, "u1").CurrentEnergy)
	assert.Len(t, f.transactions(t, "u1"), 1)
}

func TestConcurrencyConflictIsRetried(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	f.repo.conflicts = 2
	receipt, err := f.svc.Refund(ctx, energydomain.RefundRequest{UserID: "u1", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, 95.0, receipt.EnergyRemaining)

	f.repo.conflicts = 100
	_, err = f.svc.Refund(ctx, energydomain.RefundRequest{UserID: "u1", Amount: 1})
	assert.ErrorIs(t, err, energydomain.ErrConcurrencyConflict)
	f.assertLedgerInvariants(t, "u1")
}

func TestBalanceCacheInvalidatedOnMutation(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	before, err := f.svc.CheckBalance(ctx, "u1")
	require.NoError(t, err)
	_, ok, err := cache.GetJSON[energydomain.Balance](ctx, f.svc.cache, cache.NamespaceBalance, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "conseil_rapide"})
	require.NoError(t, err)
	_, ok, err = cache.GetJSON[energydomain.Balance](ctx, f.svc.cache, cache.NamespaceBalance, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := f.svc.CheckBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before.CurrentEnergy-5, after.CurrentEnergy)
}

func TestEnergyAnalytics(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	f.clock.Set(time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC))
	_, err := f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "lettre_motivation"})
	require.NoError(t, err)
	_, err = f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "analyse_cv"})
	require.NoError(t, err)

	f.clock.Set(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	_, err = f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "conseil_rapide"})
	require.NoError(t, err)
	_, err = f.svc.Refund(ctx, energydomain.RefundRequest{UserID: "u1", Amount: 10})
	require.NoError(t, err)

	analytics, err := f.svc.GetEnergyAnalytics(ctx, "u1", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, analytics.PeriodDays)
	assert.Equal(t, 4, analytics.TransactionCount)
	assert.Equal(t, 40.0, analytics.TotalConsumed)
	assert.Equal(t, 10.0, analytics.TotalRefunded)
	require.Len(t, analytics.Daily, 7)
	assert.Equal(t, "2026-03-04", analytics.Daily[0].Date)
	assert.Equal(t, 35.0, dailyValue(analytics, "2026-03-08"))
	assert.Equal(t, 5.0, dailyValue(analytics, "2026-03-10"))
	assert.Equal(t, 5.7, analytics.AverageDaily)
	assert.Equal(t, 0.0, analytics.MedianDaily)
	assert.Equal(t, 35.0, analytics.P95Daily)
	require.Len(t, analytics.ByAction, 3)
	assert.Equal(t, "analyse_cv", analytics.ByAction[0].Action)
	assert.Equal(t, "analyse_cv", analytics.MostUsedAction)

	// Cached until the next mutation.
	_, err = f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "question_simple"})
	require.NoError(t, err)
	refreshed, err := f.svc.GetEnergyAnalytics(ctx, "u1", 7)
	require.NoError(t, err)
	assert.Equal(t, 43.0, refreshed.TotalConsumed)

	_, err = f.svc.GetEnergyAnalytics(ctx, "u1", 1000)
	assert.True(t, energydomain.IsValidationError(err))
}

func dailyValue(a energydomain.Analytics, date string) float64 {
	for _, d := range a.Daily {
		if d.Date == date {
			return d.Consumed
		}
	}
	return -1
}

func TestGetUserTransactionsPaginates(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "question_simple"})
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	q := energydomain.TransactionQuery{UserID: "u1"}
	q.PageSize = 3
	page, err := f.svc.GetUserTransactions(ctx, q)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, 70.0, page.Transactions[0].BalanceAfter)

	q.PageToken = page.NextPageToken
	rest, err := f.svc.GetUserTransactions(ctx, q)
	require.NoError(t, err)
	require.Len(t, rest.Transactions, 2)
	assert.False(t, rest.HasMore)
	assert.Equal(t, 82.0, rest.Transactions[1].BalanceAfter)

	q.PageToken = "garbage"
	_, err = f.svc.GetUserTransactions(ctx, q)
	assert.ErrorIs(t, err, energydomain.ErrInvalidPageToken)
}

func TestDeleteAccountErasesLedgerAndAnonymizesEvents(t *testing.T) {
	f := setupEnergyService(t)
	ctx := context.Background()

	_, err := f.svc.Consume(ctx, energydomain.ConsumeRequest{UserID: "u1", Action: "question_simple"})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteAccount(ctx, "u1"))

	assert.Empty(t, f.transactions(t, "u1"))
	resp, err := f.events.GetUserEvents(ctx, eventdomain.Query{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, resp.Events)

	balance, err := f.svc.CheckBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 85.0, balance.CurrentEnergy)
}
