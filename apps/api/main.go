package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/streampay/internal/clock"
	"github.com/smallbiznis/streampay/internal/config"
	"github.com/smallbiznis/streampay/internal/observability"
	"github.com/smallbiznis/streampay/internal/server"
	"github.com/smallbiznis/streampay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Chunk tracking and on-demand settlement only; background
		// settlement runs in apps/scheduler.
		server.Domains,
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
