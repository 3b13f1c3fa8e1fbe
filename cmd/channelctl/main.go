// Command channelctl opens push channels from the command line and
// decodes captured channel traffic.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "channelctl",
		Short: "Client for App Engine style push channels",
		Long: `channelctl connects to an application's push channel and prints the
messages it receives.

Both wire protocols are supported: the development server protocol and the
production talk gadget protocol. Settings come from an optional TOML file;
flags override the file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to a TOML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json")

	rootCmd.AddCommand(
		listenCmd(),
		decodeCmd(),
		versionCmd(),
	)
	return rootCmd
}
