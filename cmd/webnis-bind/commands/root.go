// Package commands implements the webnis-bind CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"

	// Global flags.
	cfgFile string
	socket  string
)

const defaultConfigPath = "/etc/webnis/webnis-bind.toml"

var rootCmd = &cobra.Command{
	Use:   "webnis-bind",
	Short: "webnis-bind - local identity and authentication multiplexer",
	Long: `webnis-bind listens on a unix domain socket for the NSS and PAM client
modules and forwards their lookups to a pool of webnis HTTPS servers,
handling failover, liveness probing and peer-credential policy locally.

Use "webnis-bind [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigPath,
		"configuration file")
	rootCmd.PersistentFlags().StringVarP(&socket, "listen", "l", "",
		"unix domain socket to listen on (overrides config)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}
