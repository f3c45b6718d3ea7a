package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <token> <user-id>",
	Short: "Store endpoint and credentials in ~/.convsync/config.toml",
	Long:  "Initialize the CLI by storing the conversation service URL, a bearer token and the user id it belongs to.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		cfg.Default.Token = args[1]
		cfg.Default.UserID = args[2]
		if cfg.Cache.Backend == "" {
			cfg.Cache.Backend = "pebble"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
