package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/tallylabs/tally/internal/balance"
	balancesync "github.com/tallylabs/tally/internal/balance/sync"
	"github.com/tallylabs/tally/internal/clock"
	"github.com/tallylabs/tally/internal/config"
	"github.com/tallylabs/tally/internal/entitlement"
	"github.com/tallylabs/tally/internal/migration"
	"github.com/tallylabs/tally/internal/observability"
	"github.com/tallylabs/tally/internal/ratelimit"
	"github.com/tallylabs/tally/internal/redis"
	"github.com/tallylabs/tally/internal/server"
	"github.com/tallylabs/tally/pkg/db"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "tally",
		Short:   "Usage balance tracking service",
		Version: readVersionFromEnv(),
	}

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newSyncWorkerCmd())
	root.AddCommand(newAllCmd())

	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the balance sync worker",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func newSyncWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-worker",
		Short: "Run only the balance sync worker",
		Run: func(cmd *cobra.Command, args []string) {
			runSyncWorker()
		},
	}
}

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run migrations, then the API and sync worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runMigrate(); err != nil {
				return err
			}
			runServe()
			return nil
		},
	}
}

func runMigrate() error {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		migration.Module,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return err
	}
	return app.Stop(context.Background())
}

func runServe() {
	fx.New(append(coreModules(), ratelimit.Module, server.Module)...).Run()
}

func runSyncWorker() {
	fx.New(coreModules()...).Run()
}

func coreModules() []fx.Option {
	return []fx.Option{
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		clock.Module,
		db.Module,
		redis.Module,
		entitlement.Module,
		balance.Module,
		balancesync.Module,
	}
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func readVersionFromEnv() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "dev"
}
