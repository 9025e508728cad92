package cmd

import (
	"github.com/spf13/cobra"

	"courier/internal/logger"
)

var (
	verbose bool
	log     = logger.New()
)

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier - message hub and job orchestrator for browser extension components",
	Long: `Courier routes messages between the components of a browser extension,
replicates shared state between them and runs transcription jobs against an
external API. It provides a hub daemon and commands to inspect a running one.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetSilentMode(false)
			logger.SetLevel("debug")
		}
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(peerCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(monitorCmd)
}
