package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BatchTuning controls request coalescing on the deduction path.
type BatchTuning struct {
	WindowMs      int `mapstructure:"windowMs"`
	Capacity      int `mapstructure:"capacity"`
	ExecTimeoutMs int `mapstructure:"execTimeoutMs"`
}

// SyncTuning controls the durable sync queue and its retry policy.
type SyncTuning struct {
	CoalesceWindowMs int `mapstructure:"coalesceWindowMs"`
	QueueDepth       int `mapstructure:"queueDepth"`
	MaxAttempts      int `mapstructure:"maxAttempts"`
	RetryBackoffMs   int `mapstructure:"retryBackoffMs"`
	ItemTimeoutMs    int `mapstructure:"itemTimeoutMs"`
}

// TuningConfig is the operator-adjustable part of the deduction pipeline.
type TuningConfig struct {
	Batch BatchTuning `mapstructure:"batch"`
	Sync  SyncTuning  `mapstructure:"sync"`
}

func DefaultTuningConfig() TuningConfig {
	return TuningConfig{
		Batch: BatchTuning{
			WindowMs:      10,
			Capacity:      100,
			ExecTimeoutMs: 5000,
		},
		Sync: SyncTuning{
			CoalesceWindowMs: 50,
			QueueDepth:       1024,
			MaxAttempts:      3,
			RetryBackoffMs:   200,
			ItemTimeoutMs:    5000,
		},
	}
}

func (t BatchTuning) Window() time.Duration { return time.Duration(t.WindowMs) * time.Millisecond }

func (t BatchTuning) ExecTimeout() time.Duration {
	return time.Duration(t.ExecTimeoutMs) * time.Millisecond
}

func (t SyncTuning) CoalesceWindow() time.Duration {
	return time.Duration(t.CoalesceWindowMs) * time.Millisecond
}

func (t SyncTuning) RetryBackoff() time.Duration {
	return time.Duration(t.RetryBackoffMs) * time.Millisecond
}

func (t SyncTuning) ItemTimeout() time.Duration {
	return time.Duration(t.ItemTimeoutMs) * time.Millisecond
}

type TuningConfigHolder struct {
	current atomic.Value // holds TuningConfig
}

// NewTuningConfigHolder loads tuning.yml and hot-reloads it on change.
// Invalid updates are ignored; the last good config stays active.
func NewTuningConfigHolder() (*TuningConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("tuning")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tally/config")
	v.AddConfigPath("/etc/tally")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultTuningConfig()
	v.SetDefault("tuning.batch", defaults.Batch)
	v.SetDefault("tuning.sync", defaults.Sync)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg TuningConfig
	if err := v.UnmarshalKey("tuning", &cfg); err != nil {
		return nil, err
	}
	if err := validateTuningConfig(cfg); err != nil {
		return nil, err
	}

	holder := &TuningConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated TuningConfig
		if err := v.UnmarshalKey("tuning", &updated); err != nil {
			log.Printf("[tuning-config] reload failed: %v", err)
			return
		}
		if err := validateTuningConfig(updated); err != nil {
			log.Printf("[tuning-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[tuning-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *TuningConfigHolder) Get() TuningConfig {
	return h.current.Load().(TuningConfig)
}

func validateTuningConfig(cfg TuningConfig) error {
	if cfg.Batch.Capacity < 1 {
		return errors.New("tuning.batch.capacity must be at least 1")
	}
	if cfg.Batch.WindowMs < 0 || cfg.Sync.CoalesceWindowMs < 0 {
		return errors.New("tuning windows cannot be negative")
	}
	if cfg.Sync.QueueDepth < 1 {
		return errors.New("tuning.sync.queueDepth must be at least 1")
	}
	if cfg.Sync.MaxAttempts < 1 {
		return errors.New("tuning.sync.maxAttempts must be at least 1")
	}
	return nil
}
