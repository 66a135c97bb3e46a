package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"aflrunner/config"
	"aflrunner/internal/afl"
	"aflrunner/internal/crash"
	"aflrunner/internal/launch"
	"aflrunner/internal/seeds"
	"aflrunner/internal/sysinfo"
	"aflrunner/pkg/database"
	"aflrunner/pkg/logger"
	"aflrunner/pkg/mq"
	"aflrunner/pkg/telemetry"
	"aflrunner/pkg/watchdog"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// hostEnviron snapshots the process environment once; nothing below cmd/ reads it.
func hostEnviron() []string {
	return os.Environ()
}

func appOptions() []fx.Option {
	return []fx.Option{
		fx.Provide(
			config.LoadConfig,           // inject config
			telemetry.NewTelemetry,      // inject telemetry
			telemetry.NewTracerFactory,  // inject telemetry tracer factory
			logger.NewLogger,            // inject logger
			database.NewDBConnection,    // inject db connection
			database.NewRedisClient,     // inject redis client
			database.NewPlanStore,       // inject plan store
			mq.NewRabbitMQ,              // inject rabbitmq service
			watchdog.NewWatchDogFactory, // inject watchdog factory
			crash.NewCrashManager,       // inject crash manager
			seeds.NewSeedManager,        // inject seed manager
			launch.NewLauncher,          // inject launcher
			fx.Annotate(hostEnviron, fx.ResultTags(`name:"environ"`)),
			fx.Annotate(sysinfo.NewHostMemory, fx.As(new(afl.MemoryProbe))),
			fx.Annotate(afl.NewGenerator, fx.ParamTags(``, ``, `name:"environ"`)),
			newCampaignRunner,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	}
}

// withApp starts the dependency graph, hands the campaign runner to fn and stops
// the graph afterwards so pending crashes and telemetry are flushed.
func withApp(ctx context.Context, fn func(context.Context, *campaignRunner) error) error {
	var runner *campaignRunner
	app := fx.New(append(appOptions(), fx.Populate(&runner))...)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	runErr := fn(ctx, runner)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.StopTimeout())
	defer cancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(&campaignFlags{})
}

func newRootCommandWith(flags *campaignFlags) *cobra.Command {
	root := &cobra.Command{
		Use:          "aflrunner",
		Short:        "Plan and launch parallel AFL++ campaigns",
		SilenceUsage: true,
	}
	flags.register(root)

	root.AddCommand(genCommand(flags), runCommand(flags))
	return root
}

func genCommand(flags *campaignFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Print one afl-fuzz command line per worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, r *campaignRunner) error {
				return r.generate(ctx, file, cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "also write the commands to this file")
	return cmd
}

func runCommand(flags *campaignFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Generate a campaign and run every worker until the timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, r *campaignRunner) error {
				return r.run(ctx, file)
			})
		},
	}
}
