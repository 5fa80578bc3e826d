package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/streampay/internal/clock"
	"github.com/smallbiznis/streampay/internal/config"
	"github.com/smallbiznis/streampay/internal/migration"
	"github.com/smallbiznis/streampay/internal/observability"
	"github.com/smallbiznis/streampay/internal/scheduler"
	"github.com/smallbiznis/streampay/internal/server"
	"github.com/smallbiznis/streampay/pkg/db"
	"go.uber.org/fx"
)

// streampay runs the HTTP API and, when SCHEDULER_ENABLED is set, the
// auto-settle and expiry loops in one process.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional Domains
		server.Domains,
		scheduler.Module,

		server.Module,
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
