package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"courier/internal/config"
	"courier/internal/hub"
	"courier/internal/logger"
)

var (
	configPath string
	debugFlag  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Courier hub daemon",
	Long: `Start the hub daemon. It restores the last checkpoint, dials the configured
peers, accepts WebSocket and ZMQ components, serves the HTTP API and runs
queued transcription jobs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Check if config file exists
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			logger.SetSilentMode(false)
			if err := config.SaveConfig(config.Default(), configPath); err != nil {
				log.Error().Err(err).Msg("Failed to create default config file")
				return fmt.Errorf("failed to create default config file: %w", err)
			}
			notice := logger.New()
			notice.Info().
				Str("config_path", configPath).
				Msg("Created default configuration file. Please review it and start again.")
			return nil
		}

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}

		level := cfg.Logging.Level
		if debugFlag || verbose {
			level = "debug"
		}
		logger.Configure(level, cfg.Logging.Pretty)

		log := logger.New()
		log.Info().
			Str("config_path", configPath).
			Str("hub_id", cfg.Hub.ID).
			Str("level", level).
			Msg("Starting Courier hub")

		daemon, err := hub.NewDaemon(cfg)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create hub daemon")
			return fmt.Errorf("failed to create hub daemon: %w", err)
		}

		// Start daemon (blocks until shutdown)
		if err := daemon.Start(); err != nil {
			log.Error().Err(err).Msg("Hub daemon stopped with error")
			return fmt.Errorf("hub daemon error: %w", err)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage hub configuration",
	Long:  `Generate or validate hub configuration files.`,
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate [config-file]",
	Short: "Generate default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		if err := config.SaveConfig(config.Default(), path); err != nil {
			return fmt.Errorf("failed to save default config: %w", err)
		}

		cmd.Printf("Default configuration saved to: %s\n", path)
		cmd.Println("Add the components the hub should dial under transport.peers.")
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Long:  `Validate a configuration file, with environment overrides applied, the way serve loads it.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		cfg, err := config.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		cmd.Printf("Configuration file is valid: %s\n", path)
		cmd.Printf("Hub ID: %s\n", cfg.Hub.ID)
		cmd.Printf("Storage: %s\n", cfg.Storage.Backend)
		cmd.Printf("Transcription: %s\n", cfg.Transcription.Provider)
		if cfg.API.Enabled {
			cmd.Printf("API: %s\n", cfg.API.Listen)
		}
		if cfg.Transport.ZMQListen != "" {
			cmd.Printf("ZMQ listener: %s\n", cfg.Transport.ZMQListen)
		}
		cmd.Printf("Configured peers: %d\n", len(cfg.Transport.Peers))
		for _, peer := range cfg.Transport.Peers {
			cmd.Printf("  - %s (%s) via %s at %s\n", peer.ID, peer.Type, peer.Transport, peer.Address)
		}
		return nil
	},
}

var (
	tokenSubject string
	tokenScope   string
)

var configTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the hub API",
	Long:  `Sign a token with api.auth_secret. Pass it to job, metrics and monitor with --token or COURIER_API_TOKEN.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if cfg.API.AuthSecret == "" {
			return fmt.Errorf("api.auth_secret is not set in %s", configPath)
		}

		token, err := hub.NewTokenService(cfg.API.AuthSecret, cfg.Hub.ID, cfg.API.TokenTTL).GenerateToken(tokenSubject, tokenScope)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "courier.yml", "Path to hub configuration file")
	serveCmd.Flags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")

	configCmd.AddCommand(configGenerateCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configTokenCmd)
	configTokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "Who the token is issued to")
	configTokenCmd.Flags().StringVar(&tokenScope, "scope", "", "Optional scope recorded in the token")
	configCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "courier.yml", "Path to configuration file")
}
