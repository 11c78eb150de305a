package ratelimit

import (
	"errors"
	"strings"
	"time"
)

type Scope string

const (
	ScopeAuthLogin         Scope = "auth_login"
	ScopeAuthRegister      Scope = "auth_register"
	ScopeAuthPasswordReset Scope = "auth_password_reset"
	ScopeAPIGeneral        Scope = "api_general"
	ScopeAIGeneration      Scope = "ai_generation"
	ScopeEnergyPurchase    Scope = "energy_purchase"
	ScopeWebhook           Scope = "webhook"
)

type Strategy string

const (
	StrategyFixedWindow   Strategy = "FIXED_WINDOW"
	StrategySlidingWindow Strategy = "SLIDING_WINDOW"
	StrategyTokenBucket   Strategy = "TOKEN_BUCKET"
)

type Result string

const (
	ResultAllowed Result = "ALLOWED"
	ResultLimited Result = "LIMITED"
	ResultBlocked Result = "BLOCKED"
)

var (
	ErrUnknownScope      = errors.New("unknown_scope")
	ErrInvalidIdentifier = errors.New("invalid_identifier")
)

// Rule configures one scope. BurstSize is only read by TOKEN_BUCKET, where
// RequestsPerWindow/Window is the refill rate. A zero BlockDuration means
// denials never write a block record.
type Rule struct {
	Strategy          Strategy
	RequestsPerWindow int64
	Window            time.Duration
	BurstSize         int64
	BlockDuration     time.Duration
	FailClosed        bool
}

// RefillPerSecond is the token bucket refill rate.
func (r Rule) RefillPerSecond() float64 {
	if r.Window <= 0 {
		return 0
	}
	return float64(r.RequestsPerWindow) / r.Window.Seconds()
}

func DefaultRules() map[Scope]Rule {
	return map[Scope]Rule{
		ScopeAuthLogin: {
			Strategy:          StrategySlidingWindow,
			RequestsPerWindow: 5,
			Window:            900 * time.Second,
			BlockDuration:     900 * time.Second,
		},
		ScopeAuthRegister: {
			Strategy:          StrategyFixedWindow,
			RequestsPerWindow: 3,
			Window:            time.Hour,
			BlockDuration:     time.Hour,
		},
		ScopeAuthPasswordReset: {
			Strategy:          StrategyFixedWindow,
			RequestsPerWindow: 3,
			Window:            time.Hour,
			BlockDuration:     time.Hour,
		},
		ScopeAPIGeneral: {
			Strategy:          StrategyTokenBucket,
			RequestsPerWindow: 100,
			Window:            time.Minute,
			BurstSize:         20,
			BlockDuration:     time.Minute,
		},
		ScopeAIGeneration: {
			Strategy:          StrategySlidingWindow,
			RequestsPerWindow: 20,
			Window:            time.Hour,
			BlockDuration:     10 * time.Minute,
		},
		ScopeEnergyPurchase: {
			Strategy:          StrategyFixedWindow,
			RequestsPerWindow: 10,
			Window:            time.Hour,
			BlockDuration:     30 * time.Minute,
		},
		ScopeWebhook: {
			Strategy:          StrategyTokenBucket,
			RequestsPerWindow: 1000,
			Window:            time.Minute,
			BurstSize:         200,
		},
	}
}

func ParseScope(raw string) (Scope, error) {
	scope := Scope(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := DefaultRules()[scope]; !ok {
		return "", ErrUnknownScope
	}
	return scope, nil
}
