package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"courier/cmd/cli"
	"courier/internal/logger"
)

var monitorInterval time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Open a live dashboard of a running hub",
	Long: `Launch a terminal dashboard that polls the hub API and shows routing,
connection, job, sync and storage metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// the dashboard owns the terminal, keep logs out of it
		if !verbose {
			logger.SetSilentMode(true)
		}

		client, err := newClient()
		if err != nil {
			return err
		}

		log.Info().Str("api", apiAddress).Dur("interval", monitorInterval).Msg("Starting Courier monitor")
		if err := cli.StartMonitor(client, monitorInterval); err != nil {
			log.Error().Err(err).Msg("Failed to start monitor")
			return err
		}
		return nil
	},
}

func init() {
	addAPIFlags(monitorCmd)
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 2*time.Second, "Refresh interval")
}
