package scheduler

import (
	"context"

	"go.uber.org/fx"
)

// Module wires the periodic run loop and the file-topic subscriptions.
var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(Start),
	fx.Invoke(RegisterFileSubscriptions),
)

// Start runs the scheduler loop for the lifetime of the app.
func Start(lc fx.Lifecycle, sched *Scheduler) {
	loopCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go sched.RunForever(loopCtx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
