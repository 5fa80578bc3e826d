package proof

import (
	"github.com/smallbiznis/streampay/internal/proof/service"
	"go.uber.org/fx"
)

var Module = fx.Module("proof.verifier",
	fx.Provide(service.NewService),
)
