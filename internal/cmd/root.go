package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "doormand",
	Short: "Doorman authentication and authorization gateway",
	Long: `doormand authenticates requests with the configured schemes and answers
forward-auth requests by evaluating named authorization policies.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./doormand.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
}
