package authorization

import (
	"context"
	"errors"
)

const (
	ObjectRateLimit     = "rate_limit"
	ObjectEnergyAccount = "energy_account"
	ObjectEvents        = "events"
)

const (
	ActionRateLimitView  = "rate_limit.view"
	ActionRateLimitReset = "rate_limit.reset"

	ActionEnergyAccountView        = "energy_account.view"
	ActionEnergySubscriptionUpdate = "energy_account.subscription_update"
	ActionEnergyAccountDelete      = "energy_account.delete"
	ActionEventsView               = "events.view"
)

const (
	RoleAdmin   = "role:admin"
	RoleSupport = "role:support"
	RoleSystem  = "role:system"
)

const ActorSystem = "system"

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

type Service interface {
	// ResolveAPIKey maps a presented admin key to its actor. It returns
	// ErrUnauthorized for unknown or empty keys.
	ResolveAPIKey(key string) (string, error)
	Authorize(ctx context.Context, actor, object, action string) error
}
