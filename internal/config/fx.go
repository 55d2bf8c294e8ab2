package config

import "go.uber.org/fx"

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewTuningConfigHolder),
	fx.Provide(fx.Annotate(
		func(cfg Config) string { return cfg.Region },
		fx.ResultTags(`name:"region"`),
	)),
)
