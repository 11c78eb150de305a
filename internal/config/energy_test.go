package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnergyConfigDefaultsWithoutFile(t *testing.T) {
	holder, err := NewEnergyConfigHolder(Config{EnergyConfigPaths: []string{t.TempDir()}}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 85.0, cfg.DefaultEnergy)
	assert.Equal(t, 100.0, cfg.MaxFor("free"))
	assert.Equal(t, 200.0, cfg.MaxFor("premium"))
	assert.Equal(t, 100.0, cfg.MaxFor("unknown"))
	assert.Equal(t, 15*time.Minute, cfg.AnalyticsCacheTTL)
}

func TestEnergyConfigReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := `energy:
  defaultEnergy: 50
  firstPurchaseBonus: 20
  analyticsCacheTTL: 5m
  mutationRetries: 5
  planMax:
    free: 120
    premium: 300
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "energy.yml"), []byte(content), 0o600))

	holder, err := NewEnergyConfigHolder(Config{EnergyConfigPaths: []string{dir}}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 50.0, cfg.DefaultEnergy)
	assert.Equal(t, 20.0, cfg.FirstPurchaseBonus)
	assert.Equal(t, 5*time.Minute, cfg.AnalyticsCacheTTL)
	assert.Equal(t, 5, cfg.MutationRetries)
	assert.Equal(t, 120.0, cfg.MaxFor("free"))
	assert.Equal(t, 300.0, cfg.MaxFor("premium"))
}

func TestEnergyConfigRejectsDefaultAboveMax(t *testing.T) {
	dir := t.TempDir()
	content := `energy:
  defaultEnergy: 150
  planMax:
    free: 100
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "energy.yml"), []byte(content), 0o600))

	_, err := NewEnergyConfigHolder(Config{EnergyConfigPaths: []string{dir}}, zap.NewNop())
	assert.Error(t, err)
}
