package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/energyguard/pkg/db/pagination"
	"gorm.io/gorm"
)

type Balance struct {
	UserID                string           `json:"user_id"`
	CurrentEnergy         float64          `json:"current_energy"`
	MaxEnergy             float64          `json:"max_energy"`
	Percentage            float64          `json:"percentage"`
	CanPerformBasicAction bool             `json:"can_perform_basic_action"`
	SubscriptionType      SubscriptionType `json:"subscription_type"`
	Unlimited             bool             `json:"unlimited"`
	TotalPurchased        float64          `json:"total_purchased"`
	TotalConsumed         float64          `json:"total_consumed"`
}

type Decision struct {
	Action         Action  `json:"action"`
	CanPerform     bool    `json:"can_perform"`
	EnergyRequired float64 `json:"energy_required"`
	CurrentEnergy  float64 `json:"current_energy"`
	Deficit        float64 `json:"deficit"`
	SuggestedPack  Pack    `json:"suggested_pack,omitempty"`
}

type Receipt struct {
	TransactionID   string          `json:"transaction_id"`
	Kind            TransactionKind `json:"kind"`
	Action          string          `json:"action,omitempty"`
	EnergyConsumed  float64         `json:"energy_consumed,omitempty"`
	EnergyCredited  float64         `json:"energy_credited,omitempty"`
	EnergyRemaining float64         `json:"energy_remaining"`
}

type ConsumeRequest struct {
	UserID         string
	Action         string
	IdempotencyKey string
	Context        map[string]any
}

type RefundRequest struct {
	UserID         string
	Amount         float64
	Reason         string
	IdempotencyKey string
	Context        map[string]any
}

type PurchaseRequest struct {
	UserID           string
	Pack             string
	PaymentReference string
}

type TransactionQuery struct {
	pagination.Pagination
	UserID string
	Kind   TransactionKind
}

type TransactionView struct {
	ID           string          `json:"id"`
	Kind         TransactionKind `json:"kind"`
	Amount       float64         `json:"amount"`
	ActionName   string          `json:"action_name,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	BalanceAfter float64         `json:"balance_after"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type TransactionList struct {
	pagination.PageInfo
	Transactions []TransactionView `json:"transactions"`
}

type ActionUsage struct {
	Action string  `json:"action"`
	Count  int     `json:"count"`
	Energy float64 `json:"energy"`
}

type DailyUsage struct {
	Date     string  `json:"date"`
	Consumed float64 `json:"consumed"`
}

type Analytics struct {
	UserID           string        `json:"user_id"`
	PeriodDays       int           `json:"period_days"`
	From             time.Time     `json:"from"`
	To               time.Time     `json:"to"`
	TransactionCount int           `json:"transaction_count"`
	TotalConsumed    float64       `json:"total_consumed"`
	TotalRefunded    float64       `json:"total_refunded"`
	TotalPurchased   float64       `json:"total_purchased"`
	ByAction         []ActionUsage `json:"by_action"`
	Daily            []DailyUsage  `json:"daily"`
	AverageDaily     float64       `json:"average_daily"`
	MedianDaily      float64       `json:"median_daily"`
	P95Daily         float64       `json:"p95_daily"`
	MostUsedAction   string        `json:"most_used_action,omitempty"`
}

// PaymentVerification is the payment provider's answer for one reference.
type PaymentVerification struct {
	Verified bool
	Amount   int64
	Currency string
}

// PaymentVerifier confirms a payment with the external provider.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, userID string, pack Pack, reference string) (PaymentVerification, error)
}

type Service interface {
	CheckBalance(ctx context.Context, userID string) (Balance, error)
	CanPerformAction(ctx context.Context, userID, action string) (Decision, error)
	Consume(ctx context.Context, req ConsumeRequest) (Receipt, error)
	Refund(ctx context.Context, req RefundRequest) (Receipt, error)
	PurchaseEnergy(ctx context.Context, req PurchaseRequest) (Receipt, error)
	UpdateSubscription(ctx context.Context, userID string, plan SubscriptionType) (Balance, error)
	GetUserTransactions(ctx context.Context, q TransactionQuery) (TransactionList, error)
	GetEnergyAnalytics(ctx context.Context, userID string, days int) (Analytics, error)
	DeleteAccount(ctx context.Context, userID string) error
}

type Repository interface {
	GetAccount(ctx context.Context, db *gorm.DB, userID string) (*Account, error)
	InsertAccountIfAbsent(ctx context.Context, db *gorm.DB, account *Account) (bool, error)
	ConsumeIfSufficient(ctx context.Context, db *gorm.DB, userID string, cost int64, now time.Time) (bool, error)
	UpdateAccountVersioned(ctx context.Context, db *gorm.DB, account *Account, expectedVersion int64) (bool, error)
	InsertTransaction(ctx context.Context, db *gorm.DB, tx *Transaction) error
	FindTransactionByKey(ctx context.Context, db *gorm.DB, userID, key string) (*Transaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, filter TransactionFilter) ([]*Transaction, error)
	DeleteAccount(ctx context.Context, db *gorm.DB, userID string) error
}
