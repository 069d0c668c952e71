package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chainsight-systems/chainsight-pipeline/internal/config"
)

var initConfigOut string

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a starter config file with default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteDefault(initConfigOut); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", initConfigOut)
		return nil
	},
}

func init() {
	initConfigCmd.Flags().StringVarP(&initConfigOut, "out", "o", "chainsight.yaml", "output path")
}
