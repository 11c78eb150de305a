package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/energyguard/internal/energy/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) GetAccount(ctx context.Context, db *gorm.DB, userID string) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repo) InsertAccountIfAbsent(ctx context.Context, db *gorm.DB, account *domain.Account) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(account)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ConsumeIfSufficient debits cost in a single conditional update, so two
// concurrent debits can never take the balance below zero. Unlimited
// accounts are never debited; callers read the plan in the same tx when
// this reports false.
func (r *repo) ConsumeIfSufficient(ctx context.Context, db *gorm.DB, userID string, cost int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE user_energy
		SET current_energy = current_energy - ?,
			total_consumed = total_consumed + ?,
			version = version + 1,
			updated_at = ?
		WHERE user_id = ? AND subscription_type <> ? AND current_energy >= ?`,
		cost,
		cost,
		now,
		userID,
		string(domain.SubscriptionUnlimited),
		cost,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UpdateAccountVersioned(ctx context.Context, db *gorm.DB, account *domain.Account, expectedVersion int64) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Account{}).
		Where("user_id = ? AND version = ?", account.UserID, expectedVersion).
		Updates(map[string]any{
			"current_energy":    account.CurrentEnergy,
			"max_energy":        account.MaxEnergy,
			"total_purchased":   account.TotalPurchased,
			"total_consumed":    account.TotalConsumed,
			"subscription_type": account.SubscriptionType,
			"first_purchase_at": account.FirstPurchaseAt,
			"version":           expectedVersion + 1,
			"updated_at":        account.UpdatedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error {
	return db.WithContext(ctx).Create(tx).Error
}

func (r *repo) FindTransactionByKey(ctx context.Context, db *gorm.DB, userID, key string) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		Take(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	var items []*domain.Transaction
	stmt := db.WithContext(ctx).Model(&domain.Transaction{}).
		Where("user_id = ?", filter.UserID)

	if kind := strings.TrimSpace(string(filter.Kind)); kind != "" {
		stmt = stmt.Where("kind = ?", kind)
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

	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) DeleteAccount(ctx context.Context, db *gorm.DB, userID string) error {
	if err := db.WithContext(ctx).Where("user_id = ?", userID).Delete(&domain.Transaction{}).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Where("user_id = ?", userID).Delete(&domain.Account{}).Error
}
