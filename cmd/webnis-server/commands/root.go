// Package commands implements the webnis-server CLI.
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
)

const defaultConfigPath = "/etc/webnis/webnis-server.toml"

var rootCmd = &cobra.Command{
	Use:   "webnis-server",
	Short: "webnis-server - HTTPS map and authentication server",
	Long: `webnis-server serves NIS-style maps (passwd, group, adjunct and friends)
over HTTPS to webnis binding daemons, with per-domain authorization and an
optional embedded Lua scripting layer.

Use "webnis-server [command] --help" for more information about a command.`,
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

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}
