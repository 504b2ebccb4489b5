package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/e7canasta/camgrab/config"
	"github.com/e7canasta/camgrab/internal/logging"
	"github.com/e7canasta/camgrab/internal/report"
)

// app carries the state shared by all commands.
type app struct {
	configPath string
	driver     string
	logLevel   string
	logFormat  string

	cfg     *config.Config
	logger  *slog.Logger
	printer *report.Printer

	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "camgrab",
		Short: "Industrial camera frame acquisition",
		Long: `camgrab grabs frames from one or more cameras into rotating rings of
12 slots per device, optionally publishing frame events over MQTT and serving
a live side-by-side composite over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())}
			}
			return cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "configuration file (default ./camgrab.yaml or $XDG_CONFIG_HOME/camgrab/config.yaml)")
	flags.StringVar(&a.driver, "driver", "", "device driver: sim, gst or v4l2 (overrides the configuration)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text or json")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	root.AddCommand(
		newGrabCommand(a),
		newArrayCommand(a),
		newDevicesCommand(a),
		newWatchCommand(a),
		newVersionCommand(a),
	)
	return root
}

// setup loads the configuration, applies flag overrides and installs the logger.
func (a *app) setup(cmd *cobra.Command) error {
	if !cmd.HasParent() || cmd.Name() == "version" {
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.driver != "" {
		cfg.Driver = a.driver
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, a.stderr)
	if err != nil {
		return usageError{err}
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	a.printer = report.New(a.stdout)
	return nil
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// execute runs the command line and returns the exit status.
func execute(args []string) int {
	return executeWith(args, os.Stdout, os.Stderr)
}

func executeWith(args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err != nil {
		report.New(stderr).Error(err)
	}
	return exitCode(err)
}
