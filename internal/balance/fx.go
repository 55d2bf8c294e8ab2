package balance

import (
	"github.com/tallylabs/tally/internal/balance/batch"
	"github.com/tallylabs/tally/internal/balance/cache"
	"github.com/tallylabs/tally/internal/balance/service"
	"github.com/tallylabs/tally/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("balance.service",
	fx.Provide(batchConfigFromTuning),
	fx.Provide(cache.NewStore),
	fx.Provide(cache.NewMutator),
	fx.Provide(service.NewService),
)

func batchConfigFromTuning(holder *config.TuningConfigHolder) batch.Config {
	t := holder.Get().Batch
	return batch.Config{
		Window:      t.Window(),
		Capacity:    t.Capacity,
		ExecTimeout: t.ExecTimeout(),
	}
}
