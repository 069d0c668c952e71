// Package commands holds the chainsight CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chainsight",
	Short: "ChainSight blockchain event pipeline",
	Long: `chainsight ingests a partitioned stream of blockchain events, lands each
event into the Eventhouse (OpenSearch) and the Lakehouse (PostgreSQL), and
continuously reconciles the two sinks for freshness, completeness, and
consistency.`,
	Version: "0.1.0",
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, optional)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(initConfigCmd)
}
