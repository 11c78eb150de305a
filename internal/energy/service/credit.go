package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	energydomain "github.com/smallbiznis/energyguard/internal/energy/domain"
	eventdomain "github.com/smallbiznis/energyguard/internal/eventstore/domain"
	"github.com/smallbiznis/energyguard/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxRefundEnergy = 1000

type creditSpec struct {
	userID     string
	kind       energydomain.TransactionKind
	units      int64
	bonusUnits int64
	actionName string
	reason     string
	key        *string
	eventType  eventdomain.EventType
	payload    map[string]any
	metadata   map[string]any
}

func (s *Service) Refund(ctx context.Context, req energydomain.RefundRequest) (receipt energydomain.Receipt, err error) {
	started := time.Now()
	ctx, span := s.startSpan(ctx, "energy.refund")
	defer func() { endSpan(span, err) }()

	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return energydomain.Receipt{}, err
	}
	if math.IsNaN(req.Amount) || req.Amount <= 0 || req.Amount > maxRefundEnergy {
		return energydomain.Receipt{}, &energydomain.ValidationError{Field: "amount", Code: "invalid_amount", Message: "refund amount must be between 0 and 1000"}
	}
	units := energydomain.ToUnits(req.Amount)
	if units <= 0 {
		return energydomain.Receipt{}, energydomain.ErrInvalidAmount
	}

	key := idempotencyKey(energydomain.TransactionRefund, req.IdempotencyKey)
	existing, err := s.replay(ctx, userID, key)
	if err != nil {
		return energydomain.Receipt{}, err
	}
	if existing != nil {
		return receiptFrom(existing), nil
	}

	if _, err = s.ensureAccount(ctx, userID); err != nil {
		return energydomain.Receipt{}, err
	}

	reason := strings.TrimSpace(req.Reason)
	record, err := retry(ctx, s, "refund", func() (*energydomain.Transaction, error) {
		return s.creditOnce(ctx, creditSpec{
			userID:    userID,
			kind:      energydomain.TransactionRefund,
			units:     units,
			reason:    reason,
			key:       key,
			eventType: eventdomain.EventEnergyRefund,
			payload:   map[string]any{"reason": reason, "requested": req.Amount},
			metadata:  copyContext(req.Context),
		})
	})
	if errors.Is(err, errDuplicateKey) {
		return s.replayReceipt(ctx, userID, key)
	}
	if err != nil {
		return energydomain.Receipt{}, err
	}

	s.invalidate(ctx, userID)
	s.metrics.RecordEnergyMutation(ctx, string(energydomain.TransactionRefund), "", record.Amount, time.Since(started))
	return receiptFrom(record), nil
}

func (s *Service) PurchaseEnergy(ctx context.Context, req energydomain.PurchaseRequest) (receipt energydomain.Receipt, err error) {
	started := time.Now()
	ctx, span := s.startSpan(ctx, "energy.purchase", attribute.String("action", req.Pack))
	defer func() { endSpan(span, err) }()

	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return energydomain.Receipt{}, err
	}
	pack, err := energydomain.ParsePack(strings.TrimSpace(req.Pack))
	if err != nil {
		return energydomain.Receipt{}, err
	}
	reference := strings.TrimSpace(req.PaymentReference)
	if reference == "" {
		return energydomain.Receipt{}, &energydomain.ValidationError{Field: "payment_reference", Code: "required", Message: "payment reference is required"}
	}

	// One purchase per payment reference.
	key := idempotencyKey(energydomain.TransactionPurchase, reference)
	existing, err := s.replay(ctx, userID, key)
	if err != nil {
		return energydomain.Receipt{}, err
	}
	if existing != nil {
		return receiptFrom(existing), nil
	}

	account, err := s.ensureAccount(ctx, userID)
	if err != nil {
		return energydomain.Receipt{}, err
	}
	if account.Unlimited() {
		return energydomain.Receipt{}, unlimitedPurchaseError()
	}

	if err = s.verifyPayment(ctx, userID, pack, reference); err != nil {
		return energydomain.Receipt{}, err
	}

	bonus := energydomain.ToUnits(s.config.Get().FirstPurchaseBonus)
	record, err := retry(ctx, s, "purchase", func() (*energydomain.Transaction, error) {
		return s.creditOnce(ctx, creditSpec{
			userID:     userID,
			kind:       energydomain.TransactionPurchase,
			units:      pack.EnergyUnits(),
			bonusUnits: bonus,
			actionName: string(pack),
			key:        key,
			eventType:  eventdomain.EventEnergyPurchase,
			payload:    map[string]any{"pack": string(pack), "payment_reference": reference},
			metadata:   map[string]any{"payment_reference": reference},
		})
	})
	if errors.Is(err, errDuplicateKey) {
		return s.replayReceipt(ctx, userID, key)
	}
	if err != nil {
		return energydomain.Receipt{}, err
	}

	s.invalidate(ctx, userID)
	s.metrics.RecordEnergyMutation(ctx, string(energydomain.TransactionPurchase), string(pack), record.Amount, time.Since(started))
	return receiptFrom(record), nil
}

// creditOnce adds energy under an optimistic version check. The credit is
// capped at the plan maximum (bonus included) and the amount actually
// credited is what the transaction records.
func (s *Service) creditOnce(ctx context.Context, spec creditSpec) (*energydomain.Transaction, error) {
	var record *energydomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.repo.GetAccount(ctx, tx, spec.userID)
		if err != nil {
			return err
		}
		if account == nil {
			return energydomain.ErrAccountNotFound
		}
		if spec.kind == energydomain.TransactionPurchase && account.Unlimited() {
			return unlimitedPurchaseError()
		}

		now := s.clock.Now()
		expected := account.Version

		var bonus int64
		if spec.kind == energydomain.TransactionPurchase && account.FirstPurchaseAt == nil {
			bonus = spec.bonusUnits
			account.FirstPurchaseAt = &now
		}

		var credited int64
		if !account.Unlimited() {
			target := account.CurrentEnergy + spec.units + bonus
			if target > account.MaxEnergy {
				target = account.MaxEnergy
			}
			if target > account.CurrentEnergy {
				credited = target - account.CurrentEnergy
			}
			account.CurrentEnergy += credited
		}
		if spec.kind == energydomain.TransactionPurchase {
			account.TotalPurchased += credited
		}
		account.UpdatedAt = now

		ok, err := s.repo.UpdateAccountVersioned(ctx, tx, account, expected)
		if err != nil {
			return err
		}
		if !ok {
			return energydomain.ErrConcurrencyConflict
		}

		metadata := map[string]any{}
		for k, v := range spec.metadata {
			metadata[k] = v
		}
		metadata["requested"] = energydomain.ToEnergy(spec.units)
		if bonus > 0 {
			metadata["bonus"] = energydomain.ToEnergy(bonus)
		}
		if capped := spec.units + bonus - credited; capped > 0 && !account.Unlimited() {
			metadata["capped"] = energydomain.ToEnergy(capped)
		}

		record = &energydomain.Transaction{
			ID:             s.newTransactionID(),
			UserID:         spec.userID,
			Kind:           spec.kind,
			Amount:         credited,
			ActionName:     spec.actionName,
			Reason:         spec.reason,
			BalanceAfter:   account.CurrentEnergy,
			IdempotencyKey: spec.key,
			Metadata:       metadata,
			CreatedAt:      now,
		}
		if err := s.repo.InsertTransaction(ctx, tx, record); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return errDuplicateKey
			}
			return err
		}

		payload := map[string]any{}
		for k, v := range spec.payload {
			payload[k] = v
		}
		payload["credited"] = energydomain.ToEnergy(credited)
		payload["bonus"] = energydomain.ToEnergy(bonus)
		payload["balance_after"] = energydomain.ToEnergy(account.CurrentEnergy)
		payload["transaction_id"] = record.ID
		_, err = s.events.StoreTx(ctx, tx, eventdomain.NewEvent{
			UserID:  &spec.userID,
			Type:    spec.eventType,
			Payload: payload,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) UpdateSubscription(ctx context.Context, userID string, plan energydomain.SubscriptionType) (balance energydomain.Balance, err error) {
	ctx, span := s.startSpan(ctx, "energy.update_subscription", attribute.String("action", string(plan)))
	defer func() { endSpan(span, err) }()

	userID, err = normalizeUserID(userID)
	if err != nil {
		return energydomain.Balance{}, err
	}
	if plan, err = energydomain.ParseSubscriptionType(string(plan)); err != nil {
		return energydomain.Balance{}, err
	}
	if _, err = s.ensureAccount(ctx, userID); err != nil {
		return energydomain.Balance{}, err
	}

	account, err := retry(ctx, s, "update_subscription", func() (*energydomain.Account, error) {
		return s.changePlanOnce(ctx, userID, plan)
	})
	if err != nil {
		return energydomain.Balance{}, err
	}

	s.invalidate(ctx, userID)
	return toBalance(account), nil
}

func (s *Service) changePlanOnce(ctx context.Context, userID string, plan energydomain.SubscriptionType) (*energydomain.Account, error) {
	var updated *energydomain.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.repo.GetAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return energydomain.ErrAccountNotFound
		}
		updated = account
		previous := account.SubscriptionType
		if previous == plan {
			return nil
		}

		now := s.clock.Now()
		expected := account.Version
		account.SubscriptionType = plan
		if plan != energydomain.SubscriptionUnlimited {
			account.MaxEnergy = energydomain.ToUnits(s.config.Get().MaxFor(string(plan)))
		}

		var adjustment int64
		if plan != energydomain.SubscriptionUnlimited && account.CurrentEnergy > account.MaxEnergy {
			adjustment = account.MaxEnergy - account.CurrentEnergy
			account.CurrentEnergy = account.MaxEnergy
		}
		account.UpdatedAt = now

		ok, err := s.repo.UpdateAccountVersioned(ctx, tx, account, expected)
		if err != nil {
			return err
		}
		if !ok {
			return energydomain.ErrConcurrencyConflict
		}
		account.Version = expected + 1

		if adjustment != 0 {
			if err := s.repo.InsertTransaction(ctx, tx, &energydomain.Transaction{
				ID:           s.newTransactionID(),
				UserID:       userID,
				Kind:         energydomain.TransactionAdjustment,
				Amount:       adjustment,
				Reason:       "plan_change",
				BalanceAfter: account.CurrentEnergy,
				CreatedAt:    now,
			}); err != nil {
				return err
			}
		}

		_, err = s.events.StoreTx(ctx, tx, eventdomain.NewEvent{
			UserID: &userID,
			Type:   eventdomain.EventSubscriptionChanged,
			Payload: map[string]any{
				"from":       string(previous),
				"to":         string(plan),
				"max_energy": energydomain.ToEnergy(account.MaxEnergy),
				"adjustment": energydomain.ToEnergy(adjustment),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("subscription changed", zap.String("plan", string(plan)))
	return updated, nil
}

func (s *Service) verifyPayment(ctx context.Context, userID string, pack energydomain.Pack, reference string) error {
	cacheKey := userID + "|" + reference
	if cached, ok := s.verified.Get(cacheKey); ok && cached.Verified {
		return nil
	}
	if s.verifier == nil {
		return &energydomain.TransientInfraError{Op: "verify_payment", Err: errors.New("payment verifier not configured")}
	}

	verification, err := s.verifier.VerifyPayment(ctx, userID, pack, reference)
	if err != nil {
		s.log.Warn("payment verification failed", zap.String("pack", string(pack)), zap.Error(err))
		return &energydomain.TransientInfraError{Op: "verify_payment", Err: err}
	}
	if !verification.Verified {
		return &energydomain.BusinessRuleError{Rule: energydomain.RulePaymentRejected, Message: "payment could not be verified"}
	}
	s.verified.Set(cacheKey, verification, verifiedPaymentTTL)
	return nil
}

func unlimitedPurchaseError() error {
	return &energydomain.BusinessRuleError{
		Rule:    energydomain.RuleUnlimitedPurchase,
		Message: "energy purchases are not available on unlimited plans",
	}
}
