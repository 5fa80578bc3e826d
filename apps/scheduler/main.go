package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/streampay/internal/chain"
	"github.com/smallbiznis/streampay/internal/clock"
	"github.com/smallbiznis/streampay/internal/config"
	"github.com/smallbiznis/streampay/internal/observability"
	"github.com/smallbiznis/streampay/internal/scheduler"
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

		// Domain services required by scheduler
		server.Domains,
		scheduler.Module,

		// This binary exists to run the loops.
		fx.Decorate(func(cfg config.Config) config.Config {
			cfg.Scheduler.Enabled = true
			return cfg
		}),

		// No server module!
		fx.Invoke(chain.CheckStandalone),
	)
	app.Run()
}

// Node 2 keeps settlement ids distinct from the API process.
func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
