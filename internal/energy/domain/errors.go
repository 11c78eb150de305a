package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrConcurrencyConflict = errors.New("concurrency_conflict")
)

// ValidationError reports malformed input. Never retried.
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// InsufficientEnergyError is a business outcome: the caller can offer
// SuggestedPack to cover the deficit.
type InsufficientEnergyError struct {
	Action        Action
	Required      float64
	Current       float64
	Deficit       float64
	SuggestedPack Pack
}

func (e *InsufficientEnergyError) Error() string {
	return fmt.Sprintf("insufficient energy for %s: required %.1f, current %.1f", e.Action, e.Required, e.Current)
}

func NewInsufficientEnergyError(action Action, requiredUnits, currentUnits int64) *InsufficientEnergyError {
	deficit := requiredUnits - currentUnits
	if deficit < 0 {
		deficit = 0
	}
	return &InsufficientEnergyError{
		Action:        action,
		Required:      ToEnergy(requiredUnits),
		Current:       ToEnergy(currentUnits),
		Deficit:       ToEnergy(deficit),
		SuggestedPack: SuggestPack(deficit),
	}
}

type BusinessRuleError struct {
	Rule    string
	Message string
}

func (e *BusinessRuleError) Error() string {
	return e.Message
}

const (
	RuleUnlimitedPurchase = "unlimited_plan_purchase"
	RulePaymentRejected   = "payment_rejected"
)

// TransientInfraError is returned once retries against the store are exhausted.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error {
	return e.Err
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
