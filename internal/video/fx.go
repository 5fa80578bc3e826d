package video

import (
	"github.com/smallbiznis/streampay/internal/video/service"
	"go.uber.org/fx"
)

var Module = fx.Module("video.service",
	fx.Provide(service.NewService),
)
