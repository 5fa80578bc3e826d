package chunk

import (
	"github.com/smallbiznis/streampay/internal/chunk/service"
	"go.uber.org/fx"
)

var Module = fx.Module("chunk.service",
	fx.Provide(service.NewService),
)
