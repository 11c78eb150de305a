package authorization

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	_ "embed"
	"encoding/hex"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/smallbiznis/energyguard/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Config   config.Config
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type apiKey struct {
	digest [sha256.Size]byte
	actor  string
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	keys     []apiKey
}

// NewEnforcer builds an in-memory enforcer seeded with the built-in role
// policies. Actor to role links are added as keys are registered.
func NewEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) (Service, error) {
	s := &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
	if _, err := s.enforcer.AddGroupingPolicy(ActorSystem, RoleSystem); err != nil {
		return nil, err
	}
	if err := s.registerKey(p.Config.Admin.APIKey, "admin_key:primary", RoleAdmin); err != nil {
		return nil, err
	}
	if err := s.registerKey(p.Config.Admin.SupportAPIKey, "admin_key:support", RoleSupport); err != nil {
		return nil, err
	}
	if len(s.keys) == 0 {
		s.log.Warn("no admin api keys configured, admin routes will reject every request")
	}
	return s, nil
}

func (s *ServiceImpl) registerKey(raw, actor, role string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	s.keys = append(s.keys, apiKey{digest: sha256.Sum256([]byte(raw)), actor: actor})
	_, err := s.enforcer.AddGroupingPolicy(actor, role)
	return err
}

func (s *ServiceImpl) ResolveAPIKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrUnauthorized
	}
	digest := sha256.Sum256([]byte(key))
	for _, candidate := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], candidate.digest[:]) == 1 {
			return candidate.actor, nil
		}
	}
	return "", ErrUnauthorized
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(actor, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("actor", actor),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	if shouldLogGrant(action) {
		s.log.Info("authorization granted",
			zap.String("actor", actor),
			zap.String("object", object),
			zap.String("action", action),
		)
	}
	return nil
}

func shouldLogGrant(action string) bool {
	switch action {
	case ActionRateLimitReset, ActionEnergySubscriptionUpdate, ActionEnergyAccountDelete:
		return true
	default:
		return false
	}
}

// KeyFingerprint identifies a key in logs without revealing it.
func KeyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:4])
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Support can inspect and unblock but not change balances.
		{RoleSupport, ObjectRateLimit, ActionRateLimitView},
		{RoleSupport, ObjectRateLimit, ActionRateLimitReset},
		{RoleSupport, ObjectEnergyAccount, ActionEnergyAccountView},
		{RoleSupport, ObjectEvents, ActionEventsView},

		{RoleAdmin, ObjectRateLimit, "*"},
		{RoleAdmin, ObjectEnergyAccount, "*"},
		{RoleAdmin, ObjectEvents, "*"},

		{RoleSystem, ObjectEnergyAccount, ActionEnergySubscriptionUpdate},
		{RoleSystem, ObjectRateLimit, ActionRateLimitReset},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
