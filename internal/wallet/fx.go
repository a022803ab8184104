package wallet

import (
	"go.uber.org/fx"

	"github.com/tallyhq/tally/internal/wallet/service"
)

var Module = fx.Module("wallet.service",
	fx.Provide(service.NewService),
)
