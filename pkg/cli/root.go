package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/genesis-bot/genesis/pkg/version"
)

var (
	flagConfig   string
	flagLogLevel string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "genesis",
		Short:   "Genesis — a plugin-extensible AI agent",
		Version: version.Full(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(flagLogLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")
			app, err := newApp(cmd.Context(), flagConfig)
			if err != nil {
				return err
			}
			defer app.Close()
			return runREPL(cmd.Context(), app, message)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "settings.json", "path to the settings file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level: debug, info, warn, error")
	root.Flags().String("message", "", "send a single message and exit instead of starting the shell")

	root.AddCommand(newServeCmd())
	root.AddCommand(newPluginCmd())
	root.AddCommand(newTaskCmd())
	root.AddCommand(newUserCmd())

	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
