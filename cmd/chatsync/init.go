package main

import (
	"fmt"

	"github.com/haulbase/chatsync"
	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "chat API base URL")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a bearer token in ~/.chatsync/config.toml",
	Long:  "Initialize the CLI by storing your bearer token in the local configuration file.\nThe token must identify a user.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		actor, err := chatsync.ActorFromToken(token)
		if err != nil {
			return fmt.Errorf("token rejected: %w", err)
		}

		cfg, err := readConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = "ws"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for %s (%s) saved to %s\n", actorLabel(actor), actor.Type, path)
		return nil
	},
}
