package metrics

import (
	"go.uber.org/fx"

	"github.com/tallyhq/tally/internal/config"
)

func newFromConfig(appCfg config.Config) *Metrics {
	return Default(Config{
		ServiceName: appCfg.AppName,
		Environment: appCfg.Environment,
	})
}

// Module wires the Prometheus metrics registry.
var Module = fx.Module("observability.metrics",
	fx.Provide(newFromConfig),
)
