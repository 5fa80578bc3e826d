package chain

import (
	"errors"
	"strings"

	"github.com/smallbiznis/streampay/internal/clock"
	"github.com/smallbiznis/streampay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("chain",
	fx.Provide(NewClient),
)

// ErrProcessLocalLedger is returned when a standalone scheduler would run
// against its own in-memory ledger instead of the one the API settles on.
var ErrProcessLocalLedger = errors.New("simulated ledger cannot be shared between the api and a standalone scheduler; set CHAIN_MODE=rpc")

func NewClient(cfg config.Config, clk clock.Clock, log *zap.Logger) (Client, error) {
	log = log.Named("chain")
	switch cfg.Chain.Mode {
	case config.ChainModeRPC:
		if cfg.Chain.RPCURL == "" {
			return nil, errors.New("CHAIN_RPC_URL is required when CHAIN_MODE=rpc")
		}
		log.Info("using rpc settlement ledger", zap.String("url", cfg.Chain.RPCURL))
		return NewRPCClient(cfg.Chain.RPCURL, cfg.Chain.RPCAuthToken), nil
	default:
		if !isLocalEnvironment(cfg.Environment) {
			log.Warn("using simulated settlement ledger outside development; receipts live in this process only",
				zap.String("env", cfg.Environment),
			)
		} else {
			log.Info("using simulated settlement ledger")
		}
		return NewSimulated(clk, 0), nil
	}
}

// CheckStandalone guards a scheduler process that runs apart from the API.
// Its recovery loop would find every API batch missing from a process-local
// ledger and discard it, so the simulated mode is refused outside development.
func CheckStandalone(cfg config.Config, log *zap.Logger) error {
	if cfg.Chain.Mode != config.ChainModeSimulated {
		return nil
	}
	if !isLocalEnvironment(cfg.Environment) {
		return ErrProcessLocalLedger
	}
	log.Named("chain").Warn("standalone scheduler on a simulated ledger; pending api settlements will be discarded by recovery")
	return nil
}

func isLocalEnvironment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "development", "dev", "local", "test":
		return true
	}
	return false
}
