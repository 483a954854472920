// Command pushctl is the operator tool for the push routing core: it
// publishes test notifications, inspects the registry and sends manual
// wake-ups using the same configuration as the services.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	readyTimeout time.Duration
	verbose      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:          "pushctl",
	Short:        "Push routing admin tool",
	Long:         "Administrative commands for the push routing core: publish notifications, inspect nodes, rebuild the application index, wake devices and look up operators.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&readyTimeout, "ready-timeout", 10*time.Second, "How long to wait for the registry and broker to connect")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(rebuildIndexCmd)
	rootCmd.AddCommand(wakeupCmd)
	rootCmd.AddCommand(operatorCmd)
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
