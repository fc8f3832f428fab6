package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"antigravity/internal/app"
	"antigravity/internal/batch"
	"antigravity/internal/config"
)

var (
	modeOnce     bool
	modeSchedule bool
	modeDaemon   bool
	modeManual   bool
	modeStatus   bool

	platforms string
	niche     string
	count     int
	verbose   bool
	jsonOut   bool
)

func main() {
	env := config.NewEnv()
	_ = env.BindEnv("mode")
	_ = env.BindEnv("config")

	rootCmd := &cobra.Command{
		Use:           "antigravity",
		Short:         "Adaptive batch scheduler for content generation runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
	}
	exitCode := 0
	rootCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		code, err := run(cmd, env)
		exitCode = code
		return err
	}

	f := rootCmd.Flags()
	f.BoolVar(&modeOnce, "once", false, "Run a single batch now and exit")
	f.BoolVar(&modeSchedule, "schedule", false, "Run the scheduler loop in the foreground")
	f.BoolVar(&modeDaemon, "daemon", false, "Run as a service (scheduler, systemd notify, hot reload, status API)")
	f.BoolVar(&modeManual, "manual", false, "Run a single batch with --count/--platform/--niche overrides")
	f.BoolVar(&modeStatus, "status", false, "Print quota, schedule and last run, then exit")
	rootCmd.MarkFlagsMutuallyExclusive("once", "schedule", "daemon", "manual", "status")

	f.String("config", "./config.yaml", "Path to config file (yaml, toml or json)")
	f.StringVar(&platforms, "platform", "", "Comma-separated platforms (manual mode)")
	f.StringVar(&niche, "niche", "", "Content niche (manual mode)")
	f.IntVar(&count, "count", 0, "Number of items (manual mode, still clamped by quota)")
	f.BoolVarP(&verbose, "verbose", "v", false, "Debug logging to the console")
	f.BoolVar(&jsonOut, "json", false, "Print results as JSON")
	_ = env.BindPFlag("config", f.Lookup("config"))

	if err := rootCmd.Execute(); err != nil {
		app.Fatal(err)
	}
	os.Exit(exitCode)
}

func resolveMode(env *viper.Viper) (app.Mode, error) {
	switch {
	case modeOnce:
		return app.ModeOnce, nil
	case modeSchedule:
		return app.ModeSchedule, nil
	case modeDaemon:
		return app.ModeDaemon, nil
	case modeManual:
		return app.ModeManual, nil
	case modeStatus:
		return app.ModeStatus, nil
	}
	if s := env.GetString("mode"); s != "" {
		return app.ParseMode(s)
	}
	return app.ModeSchedule, nil
}

func run(cmd *cobra.Command, env *viper.Viper) (int, error) {
	mode, err := resolveMode(env)
	if err != nil {
		return 1, err
	}
	overrides := cmd.Flags().Changed("platform") || cmd.Flags().Changed("niche") || cmd.Flags().Changed("count")
	if overrides && mode != app.ModeManual {
		return 1, errors.New("--count, --platform and --niche require --manual")
	}
	if count < 0 {
		return 1, errors.New("--count must be >= 0")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(app.Options{
		ConfigPath: env.GetString("config"),
		Env:        env,
		Verbose:    verbose,
		Out:        cmd.OutOrStdout(),
		ReadOnly:   mode == app.ModeStatus,
	})
	if err != nil {
		return 1, err
	}
	out := cmd.OutOrStdout()

	switch mode {
	case app.ModeStatus:
		rep, err := a.Status(ctx)
		_ = a.Stop(context.Background(), app.StopRunFinished)
		if err != nil {
			return 1, err
		}
		if jsonOut {
			return 0, app.PrintJSON(out, rep)
		}
		app.RenderReport(out, rep)
		return 0, nil

	case app.ModeOnce, app.ModeManual:
		var r batch.Run
		if mode == app.ModeOnce {
			r = a.RunOnce(ctx)
		} else {
			r = a.RunManual(ctx, batch.Request{
				Count:     count,
				Platforms: config.SplitCSV(platforms),
				Niche:     niche,
			})
		}
		if jsonOut {
			if err := app.PrintJSON(out, r); err != nil {
				return 1, err
			}
		} else {
			app.RenderRun(out, r)
		}
		return batch.ExitCode(r), nil

	case app.ModeDaemon:
		return 0, a.RunDaemon(ctx)

	default:
		return 0, a.RunSchedule(ctx)
	}
}
