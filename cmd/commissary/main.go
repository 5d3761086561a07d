package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commissary/internal/affiliate"
	"github.com/smallbiznis/commissary/internal/claim"
	"github.com/smallbiznis/commissary/internal/clock"
	"github.com/smallbiznis/commissary/internal/commission"
	"github.com/smallbiznis/commissary/internal/config"
	"github.com/smallbiznis/commissary/internal/lock"
	"github.com/smallbiznis/commissary/internal/logger"
	"github.com/smallbiznis/commissary/internal/migration"
	"github.com/smallbiznis/commissary/internal/observability"
	"github.com/smallbiznis/commissary/internal/payout"
	"github.com/smallbiznis/commissary/internal/refund"
	"github.com/smallbiznis/commissary/internal/scheduler"
	"github.com/smallbiznis/commissary/internal/server"
	"github.com/smallbiznis/commissary/internal/webhook"
	"github.com/smallbiznis/commissary/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		lock.Module,

		claim.Module,
		affiliate.Module,
		commission.Module,
		refund.Module,
		payout.Module,
		webhook.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg *config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
