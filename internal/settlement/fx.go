package settlement

import (
	"github.com/smallbiznis/streampay/internal/settlement/lock"
	"github.com/smallbiznis/streampay/internal/settlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement.service",
	fx.Provide(lock.New),
	fx.Provide(service.NewService),
)
