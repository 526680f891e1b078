package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/3cpo-dev/dsmctl/internal/telemetry"
)

var (
	version   = "0.3.0"
	commit    = ""
	buildDate = ""
)

// exitError carries a process exit code without printing anything more;
// the command has already reported.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dsmctl",
		Short: "dsmctl: provision a DSM fleet and drive its build pipeline",
		Long: "dsmctl keeps a tagged fleet of cloud nodes at a target size, assigns one coordinator\n" +
			"and many workers through a rendered cluster config, and runs fetch, clean,\n" +
			"configure and build on every node over SSH.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/dsmctl/config.yaml)")
	cmd.PersistentFlags().String("provider", "", "provider name (default from config)")

	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil || levelStr == "" {
			return fmt.Errorf("invalid log level %q", levelStr)
		}
		zerolog.SetGlobalLevel(level)
		return nil
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newEnsureCmd())
	cmd.AddCommand(newTerminateCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newRunPipelineCmd())
	cmd.AddCommand(newRenderConfigCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newProvidersCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dsmctl %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// Setup the logger
func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	noColor := !term.IsTerminal(int(os.Stderr.Fd()))
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339, NoColor: noColor})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Main entry point
func main() {
	setupLogger()
	root := newRootCmd()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root.SetContext(ctx)
	err := root.Execute()
	stop()
	telemetry.Shutdown()
	if err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
