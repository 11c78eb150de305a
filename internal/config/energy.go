package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnergyConfig carries the ledger tunables that product may change without a deploy.
type EnergyConfig struct {
	DefaultEnergy      float64            `mapstructure:"defaultEnergy"`
	PlanMax            map[string]float64 `mapstructure:"planMax"`
	FirstPurchaseBonus float64            `mapstructure:"firstPurchaseBonus"`
	BalanceCacheTTL    time.Duration      `mapstructure:"balanceCacheTTL"`
	AnalyticsCacheTTL  time.Duration      `mapstructure:"analyticsCacheTTL"`
	MutationRetries    int                `mapstructure:"mutationRetries"`
}

func DefaultEnergyConfig() EnergyConfig {
	return EnergyConfig{
		DefaultEnergy: 85,
		PlanMax: map[string]float64{
			"free":    100,
			"premium": 200,
		},
		FirstPurchaseBonus: 10,
		BalanceCacheTTL:    5 * time.Minute,
		AnalyticsCacheTTL:  15 * time.Minute,
		MutationRetries:    3,
	}
}

// MaxFor returns the plan ceiling, falling back to the free plan.
func (c EnergyConfig) MaxFor(plan string) float64 {
	if v, ok := c.PlanMax[strings.ToLower(strings.TrimSpace(plan))]; ok && v > 0 {
		return v
	}
	if v, ok := c.PlanMax["free"]; ok && v > 0 {
		return v
	}
	return 100
}

type EnergyConfigHolder struct {
	current atomic.Value // holds EnergyConfig
}

// NewStaticEnergyConfig returns a holder that never reloads.
func NewStaticEnergyConfig(cfg EnergyConfig) *EnergyConfigHolder {
	holder := &EnergyConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewEnergyConfigHolder(appCfg Config, log *zap.Logger) (*EnergyConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("energy")
	v.SetConfigType("yml")
	for _, path := range appCfg.EnergyConfigPaths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("ENERGYGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEnergyConfig()
	v.SetDefault("energy.defaultEnergy", defaults.DefaultEnergy)
	v.SetDefault("energy.planMax", defaults.PlanMax)
	v.SetDefault("energy.firstPurchaseBonus", defaults.FirstPurchaseBonus)
	v.SetDefault("energy.balanceCacheTTL", defaults.BalanceCacheTTL)
	v.SetDefault("energy.analyticsCacheTTL", defaults.AnalyticsCacheTTL)
	v.SetDefault("energy.mutationRetries", defaults.MutationRetries)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodeEnergyConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticEnergyConfig(cfg)
	if !fileFound {
		return holder, nil
	}

	log = log.Named("energy.config")
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeEnergyConfig(v)
		if err != nil {
			log.Warn("energy config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("energy config reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *EnergyConfigHolder) Get() EnergyConfig {
	return h.current.Load().(EnergyConfig)
}

func decodeEnergyConfig(v *viper.Viper) (EnergyConfig, error) {
	var cfg EnergyConfig
	if err := v.UnmarshalKey("energy", &cfg); err != nil {
		return EnergyConfig{}, err
	}
	if err := validateEnergyConfig(cfg); err != nil {
		return EnergyConfig{}, err
	}
	return cfg, nil
}

func validateEnergyConfig(cfg EnergyConfig) error {
	if cfg.DefaultEnergy < 0 {
		return errors.New("energy.defaultEnergy cannot be negative")
	}
	if cfg.DefaultEnergy > cfg.MaxFor("free") {
		return fmt.Errorf("energy.defaultEnergy %.1f exceeds free plan max", cfg.DefaultEnergy)
	}
	if cfg.FirstPurchaseBonus < 0 {
		return errors.New("energy.firstPurchaseBonus cannot be negative")
	}
	if cfg.MutationRetries < 1 {
		return errors.New("energy.mutationRetries must be at least 1")
	}
	return nil
}
