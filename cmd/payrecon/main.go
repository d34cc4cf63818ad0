package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/govfees/payrecon/internal/account"
	"github.com/govfees/payrecon/internal/bus"
	"github.com/govfees/payrecon/internal/casrecon"
	"github.com/govfees/payrecon/internal/cfs"
	"github.com/govfees/payrecon/internal/clock"
	"github.com/govfees/payrecon/internal/config"
	"github.com/govfees/payrecon/internal/dispatch"
	"github.com/govfees/payrecon/internal/eftlink"
	"github.com/govfees/payrecon/internal/eftrecon"
	"github.com/govfees/payrecon/internal/jvrecon"
	"github.com/govfees/payrecon/internal/logger"
	"github.com/govfees/payrecon/internal/migration"
	"github.com/govfees/payrecon/internal/objectstore"
	"github.com/govfees/payrecon/internal/scheduler"
	"github.com/govfees/payrecon/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		bus.Module,
		objectstore.Module,
		cfs.Module,

		// Domain services
		account.Module,

		// Periodic tasks and reconcilers
		dispatch.Module,
		eftlink.Module,
		casrecon.Module,
		eftrecon.Module,
		jvrecon.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
