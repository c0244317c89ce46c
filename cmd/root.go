// Package cmd implements the detectpipe command line.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/detectpipe/internal/analysis"
	"github.com/tphakala/detectpipe/internal/buildinfo"
	"github.com/tphakala/detectpipe/internal/conf"
	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/logger"
	"github.com/tphakala/detectpipe/internal/observability"
)

// sentryFlushTimeout bounds how long exit waits for queued error reports.
const sentryFlushTimeout = 2 * time.Second

// app is the state PersistentPreRunE prepares for subcommands.
type app struct {
	v          *viper.Viper
	configPath string
	debug      bool

	build    *buildinfo.Context
	settings *conf.Settings
	metrics  *observability.Metrics
	endpoint *observability.Endpoint
	central  *logger.CentralLogger
	sentry   bool
}

// Execute runs the command line and releases what setup acquired, whether
// or not the command succeeded.
func Execute(ctx context.Context, build *buildinfo.Context) error {
	return execute(ctx, build, nil)
}

func execute(ctx context.Context, build *buildinfo.Context, configure func(*cobra.Command)) error {
	a := &app{v: conf.NewViper(), build: build}
	rootCmd := a.rootCommand()
	if configure != nil {
		configure(rootCmd)
	}
	err := rootCmd.ExecuteContext(ctx)
	return errors.Join(err, a.teardown(ctx))
}

// rootCommand creates the root command and its subcommands.
func (a *app) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "detectpipe",
		Short:         "Batched object detection pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&a.debug, "debug", "d", false, "Enable debug output")

	versionCmd := versionCommand(a)
	rootCmd.AddCommand(predictCommand(a), serveCommand(a), versionCmd)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version and --init-config need no configuration
		if cmd.Name() == versionCmd.Name() || cmd.Flags().Changed("init-config") {
			return nil
		}
		if err := bindFlags(a.v, cmd.Flags()); err != nil {
			return err
		}
		return a.setup()
	}
	return rootCmd
}

// setup loads configuration and starts logging, telemetry and metrics.
func (a *app) setup() error {
	if a.debug {
		a.v.Set("logging.default_level", string(logger.LogLevelDebug))
	}

	settings, err := conf.LoadWith(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.settings = settings

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)
	a.central = central

	if err := a.setupTelemetry(); err != nil {
		return err
	}

	a.metrics, err = observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if listen := settings.Telemetry.MetricsListen; listen != "" {
		a.endpoint, err = observability.NewEndpoint(listen, a.metrics)
		if err != nil {
			return errors.New(fmt.Errorf("failed to bind metrics endpoint %s: %w", listen, err)).
				Component("cmd").
				Category(errors.CategoryNetwork).
				Build()
		}
		a.endpoint.Start()
	}

	GetLogger().Debug("detectpipe starting",
		logger.String("version", a.build.GetVersion()),
		logger.String("config", a.configPath))
	return nil
}

func (a *app) setupTelemetry() error {
	t := a.settings.Telemetry
	if !t.Enabled {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              t.DSN,
		Release:          "detectpipe@" + a.build.GetVersion(),
		AttachStacktrace: true,
		ServerName:       a.build.GetSystemID(),
	})
	if err != nil {
		return errors.New(fmt.Errorf("failed to initialize error telemetry: %w", err)).
			Component("cmd").
			Category(errors.CategoryConfiguration).
			Build()
	}
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	a.sentry = true
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	var errs []error
	if a.endpoint != nil {
		errs = append(errs, a.endpoint.Shutdown(context.WithoutCancel(ctx)))
	}
	if a.sentry {
		sentry.Flush(sentryFlushTimeout)
		errors.SetTelemetryReporter(nil)
	}
	if a.central != nil {
		errs = append(errs, a.central.Close())
	}
	return errors.Join(errs...)
}

// runner builds an analysis runner that reports into the run metrics.
func (a *app) runner() *analysis.Runner {
	var opts []analysis.Option
	if a.metrics != nil {
		opts = append(opts, analysis.WithMetrics(a.metrics.Pipeline))
	}
	return analysis.NewRunner(opts...)
}
