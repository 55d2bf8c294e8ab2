package sync

import (
	"context"

	"github.com/tallylabs/tally/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("balance.sync",
	fx.Provide(configFromTuning),
	fx.Provide(NewQueue),
	fx.Provide(NewWorker),
	fx.Invoke(runWorker),
)

func configFromTuning(holder *config.TuningConfigHolder) Config {
	t := holder.Get().Sync
	return Config{
		CoalesceWindow: t.CoalesceWindow(),
		QueueDepth:     t.QueueDepth,
		MaxAttempts:    t.MaxAttempts,
		RetryBackoff:   t.RetryBackoff(),
		ItemTimeout:    t.ItemTimeout(),
	}
}

func runWorker(lc fx.Lifecycle, worker *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go worker.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
