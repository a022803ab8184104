package billing

import "go.uber.org/fx"

var Module = fx.Module("billing.engine",
	fx.Provide(NewEngine),
)
