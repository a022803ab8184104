package billingevent

import "go.uber.org/fx"

var Module = fx.Module("billingevent.outbox",
	fx.Provide(NewOutbox),
)
