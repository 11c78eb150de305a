package domain

import (
	"math"
	"time"

	"gorm.io/datatypes"
)

// UnitsPerEnergy is the fixed-point scale: balances are stored in tenths.
const UnitsPerEnergy = 10

func ToUnits(energy float64) int64 {
	return int64(math.Round(energy * UnitsPerEnergy))
}

func ToEnergy(units int64) float64 {
	return float64(units) / UnitsPerEnergy
}

type SubscriptionType string

const (
	SubscriptionFree      SubscriptionType = "free"
	SubscriptionPremium   SubscriptionType = "premium"
	SubscriptionUnlimited SubscriptionType = "unlimited"
)

func ParseSubscriptionType(raw string) (SubscriptionType, error) {
	switch SubscriptionType(raw) {
	case SubscriptionFree, SubscriptionPremium, SubscriptionUnlimited:
		return SubscriptionType(raw), nil
	default:
		return "", &ValidationError{Field: "subscription_type", Code: "unknown_subscription_type", Message: "unknown subscription type " + raw}
	}
}

// Account is the authoritative balance of one user.
type Account struct {
	UserID           string           `gorm:"primaryKey;type:varchar(128)"`
	CurrentEnergy    int64            `gorm:"not null"`
	MaxEnergy        int64            `gorm:"not null"`
	TotalPurchased   int64            `gorm:"not null;default:0"`
	TotalConsumed    int64            `gorm:"not null;default:0"`
	SubscriptionType SubscriptionType `gorm:"type:varchar(32);not null;default:'free'"`
	FirstPurchaseAt  *time.Time
	Version          int64     `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "user_energy" }

func (a *Account) Unlimited() bool {
	return a.SubscriptionType == SubscriptionUnlimited
}

type TransactionKind string

const (
	TransactionConsume  TransactionKind = "consume"
	TransactionRefund   TransactionKind = "refund"
	TransactionPurchase TransactionKind = "purchase"
	// TransactionAdjustment trims a balance above a lowered plan ceiling.
	TransactionAdjustment TransactionKind = "adjustment"
)

// Transaction is immutable once written. Amount is signed: consumes are negative.
type Transaction struct {
	ID             string            `gorm:"primaryKey;type:char(26)"`
	UserID         string            `gorm:"type:varchar(128);not null;index:idx_energy_tx_user_created,priority:1;uniqueIndex:ux_energy_tx_user_idem,priority:1"`
	Kind           TransactionKind   `gorm:"type:varchar(16);not null"`
	Amount         int64             `gorm:"not null"`
	ActionName     string            `gorm:"type:varchar(64);not null;default:''"`
	Reason         string            `gorm:"type:varchar(255);not null;default:''"`
	BalanceAfter   int64             `gorm:"not null"`
	IdempotencyKey *string           `gorm:"type:varchar(191);uniqueIndex:ux_energy_tx_user_idem,priority:2"`
	Metadata       datatypes.JSONMap `gorm:"type:json"`
	CreatedAt      time.Time         `gorm:"not null;index:idx_energy_tx_user_created,priority:2"`
}

func (Transaction) TableName() string { return "energy_transactions" }

type TransactionCursor struct {
	ID        string
	CreatedAt time.Time
}

type TransactionFilter struct {
	UserID string
	Kind   TransactionKind
	Since  *time.Time
	Cursor *TransactionCursor
	Limit  int
}
