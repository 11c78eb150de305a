package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/energyguard/internal/authorization"
	"github.com/smallbiznis/energyguard/internal/cache"
	"github.com/smallbiznis/energyguard/internal/clock"
	"github.com/smallbiznis/energyguard/internal/config"
	"github.com/smallbiznis/energyguard/internal/energy"
	"github.com/smallbiznis/energyguard/internal/eventstore"
	"github.com/smallbiznis/energyguard/internal/metricspush"
	"github.com/smallbiznis/energyguard/internal/migration"
	"github.com/smallbiznis/energyguard/internal/observability"
	"github.com/smallbiznis/energyguard/internal/ratelimit"
	"github.com/smallbiznis/energyguard/internal/scheduler"
	"github.com/smallbiznis/energyguard/internal/server"
	"github.com/smallbiznis/energyguard/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,
		metricspush.Module,

		// Functional Domains
		eventstore.Module,
		energy.Module,
		ratelimit.Module,
		authorization.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
