package service

import (
	"context"
	"errors"
	"time"

	energydomain "github.com/smallbiznis/energyguard/internal/energy/domain"
	eventdomain "github.com/smallbiznis/energyguard/internal/eventstore/domain"
	"github.com/smallbiznis/energyguard/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errDuplicateKey aborts a mutation whose idempotency key was committed by
// a concurrent request; the caller returns that request's receipt.
var errDuplicateKey = errors.New("duplicate_idempotency_key")

func (s *Service) Consume(ctx context.Context, req energydomain.ConsumeRequest) (receipt energydomain.Receipt, err error) {
	started := time.Now()
	ctx, span := s.startSpan(ctx, "energy.consume", attribute.String("action", req.Action))
	defer func() { endSpan(span, err) }()

	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return energydomain.Receipt{}, err
	}
	action, err := energydomain.ParseAction(req.Action)
	if err != nil {
		return energydomain.Receipt{}, err
	}

	key := idempotencyKey(energydomain.TransactionConsume, req.IdempotencyKey)
	existing, err := s.replay(ctx, userID, key)
	if err != nil {
		return energydomain.Receipt{}, err
	}
	if existing != nil {
		return receiptFrom(existing), nil
	}

	if _, err := s.ensureAccount(ctx, userID); err != nil {
		return energydomain.Receipt{}, err
	}

	record, err := retry(ctx, s, "consume", func() (*energydomain.Transaction, error) {
		return s.consumeOnce(ctx, userID, action, action.CostUnits(), key, req.Context)
	})
	if errors.Is(err, errDuplicateKey) {
		return s.replayReceipt(ctx, userID, key)
	}
	if err != nil {
		var insufficient *energydomain.InsufficientEnergyError
		if errors.As(err, &insufficient) {
			s.metrics.RecordEnergyDenied(ctx, string(action))
			s.log.Debug("consume denied",
				zap.String("action", string(action)),
				zap.Float64("required", insufficient.Required),
				zap.Float64("current", insufficient.Current),
			)
		}
		return energydomain.Receipt{}, err
	}

	s.invalidate(ctx, userID)
	s.metrics.RecordEnergyMutation(ctx, string(energydomain.TransactionConsume), string(action), -record.Amount, time.Since(started))
	return receiptFrom(record), nil
}

func (s *Service) consumeOnce(
	ctx context.Context,
	userID string,
	action energydomain.Action,
	cost int64,
	key *string,
	reqContext map[string]any,
) (*energydomain.Transaction, error) {
	var record *energydomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		charged := cost
		if cost > 0 {
			ok, err := s.repo.ConsumeIfSufficient(ctx, tx, userID, cost, now)
			if err != nil {
				return err
			}
			if !ok {
				account, err := s.repo.GetAccount(ctx, tx, userID)
				if err != nil {
					return err
				}
				switch {
				case account == nil:
					return energydomain.ErrAccountNotFound
				case account.Unlimited():
					charged = 0
				case account.CurrentEnergy >= cost:
					// The plan changed between the update and this read.
					return energydomain.ErrConcurrencyConflict
				default:
					return energydomain.NewInsufficientEnergyError(action, cost, account.CurrentEnergy)
				}
			}
		}

		account, err := s.repo.GetAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return energydomain.ErrAccountNotFound
		}

		record = &energydomain.Transaction{
			ID:             s.newTransactionID(),
			UserID:         userID,
			Kind:           energydomain.TransactionConsume,
			Amount:         -charged,
			ActionName:     string(action),
			BalanceAfter:   account.CurrentEnergy,
			IdempotencyKey: key,
			Metadata:       copyContext(reqContext),
			CreatedAt:      now,
		}
		if err := s.repo.InsertTransaction(ctx, tx, record); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return errDuplicateKey
			}
			return err
		}

		_, err = s.events.StoreTx(ctx, tx, eventdomain.NewEvent{
			UserID: &userID,
			Type:   eventdomain.EventEnergyAction,
			Payload: map[string]any{
				"action":         string(action),
				"cost":           energydomain.ToEnergy(charged),
				"balance_after":  energydomain.ToEnergy(account.CurrentEnergy),
				"transaction_id": record.ID,
				"unlimited":      account.Unlimited(),
				"context":        copyContext(reqContext),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// replay returns the committed transaction for key, if any.
func (s *Service) replay(ctx context.Context, userID string, key *string) (*energydomain.Transaction, error) {
	if key == nil {
		return nil, nil
	}
	return retry(ctx, s, "replay", func() (*energydomain.Transaction, error) {
		return s.repo.FindTransactionByKey(ctx, s.db, userID, *key)
	})
}

func (s *Service) replayReceipt(ctx context.Context, userID string, key *string) (energydomain.Receipt, error) {
	existing, err := s.replay(ctx, userID, key)
	if err != nil {
		return energydomain.Receipt{}, err
	}
	if existing == nil {
		return energydomain.Receipt{}, energydomain.ErrConcurrencyConflict
	}
	return receiptFrom(existing), nil
}
