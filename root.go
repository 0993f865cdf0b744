package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"webm-converter/config"
	"webm-converter/encoder"
	"webm-converter/history"
	"webm-converter/logging"
)

// commandContext carries the persistent flags shared by every command.
type commandContext struct {
	configFlag  string
	profileFlag string
}

// loadConfig reads the config file and applies --profile on top of it.
func (c *commandContext) loadConfig() (config.Config, error) {
	cfg, _, _, err := config.Load(c.configFlag)
	if err != nil {
		return config.Config{}, err
	}
	if strings.TrimSpace(c.profileFlag) != "" {
		profile, err := config.ParseProfile(c.profileFlag)
		if err != nil {
			return config.Config{}, err
		}
		cfg.ApplyProfile(profile)
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	convert := newConvertCommand(ctx)
	rootCmd := &cobra.Command{
		Use:           "webm-converter [input-file]",
		Short:         "Convert videos to VP9 WebM with live progress",
		Long:          "Converts video files to WebM using FFmpeg's libvpx-vp9 encoder.\nWithout a subcommand this runs the convert command.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          convert.RunE,
	}
	rootCmd.Flags().AddFlagSet(convert.Flags())

	rootCmd.PersistentFlags().StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path (default ~/.config/webm-converter/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&ctx.profileFlag, "profile", "p", "", "Encoding profile: default, fast, quality, archive")

	rootCmd.AddCommand(convert)
	rootCmd.AddCommand(newProbeCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newProfilesCommand())
	return rootCmd
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// runtimeDeps are the collaborators a conversion needs beyond the controller.
type runtimeDeps struct {
	logger  *slog.Logger
	closers []io.Closer
	history *history.Store
}

func (d *runtimeDeps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i].Close()
	}
}

// setupRuntime opens the logger and, when enabled, the history database.
func setupRuntime(cfg config.Config, terminalBusy bool) (*runtimeDeps, error) {
	logger, closer, err := logging.NewFromConfig(cfg.Logging, terminalBusy)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	deps := &runtimeDeps{logger: logger, closers: []io.Closer{closer}}

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.Warn("conversion history unavailable",
				slog.String("path", cfg.History.Path),
				slog.String("error", err.Error()),
			)
		} else {
			deps.history = store
			deps.closers = append(deps.closers, store)
		}
	}
	return deps, nil
}

// newController wires the probe, process starter and observers for one session.
func newController(cfg config.Config, deps *runtimeDeps) *encoder.Controller {
	ctrl := encoder.NewController(encoder.Options{
		Settings: cfg.Encoder,
		Prober: encoder.FFprobe{
			Binary:  cfg.Probe.FFprobePath,
			Timeout: time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
			Logger:  deps.logger,
		},
		Starter: encoder.ExecStarter{},
		Logger:  deps.logger,
	})
	ctrl.Subscribe(logging.NewProgressLogger(deps.logger, 10))
	if deps.history != nil {
		ctrl.Subscribe(history.NewRecorder(deps.history, deps.logger))
	}
	return ctrl
}
