package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/webnis/webnis/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteSample(cfgFile, initForce); err != nil {
			return err
		}
		fmt.Printf("configuration written to %s\n", cfgFile)
		fmt.Println("edit it, then start the server with: webnis-server start")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}
