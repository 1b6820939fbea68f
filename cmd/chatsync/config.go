package main

import (
	"fmt"

	"github.com/haulbase/chatsync"
	"github.com/haulbase/chatsync/amqppush"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configShowJSON bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd, configPathCmd)
	configShowCmd.Flags().BoolVar(&configShowJSON, "json", false, "print settings as JSON")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long: "View or modify the configuration stored in ~/.chatsync/config.toml.\n" +
		"CHATSYNC_* variables from the environment or ./.env override the file.",
}

// setting is one resolved configuration key.
type setting struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

var configDefaults = map[string]string{
	"default.base_url":  chatsync.DefaultBaseURL,
	"default.transport": "ws",
	"default.exchange":  amqppush.DefaultExchange,
}

func envVarFor(key string) string {
	for env, k := range envOverrides {
		if k == key {
			return env
		}
	}
	return ""
}

// effectiveSettings resolves each key the way the other commands see it:
// an environment override beats the file, and the file beats the built-in
// default. The token is masked.
func effectiveSettings(file *Config, lookup func(string) (string, bool)) ([]setting, error) {
	out := make([]setting, 0, len(configKeys))
	for _, key := range configKeys {
		value, err := getConfigValue(file, key)
		if err != nil {
			return nil, err
		}
		source := "file"
		if env := envVarFor(key); env != "" {
			if v, ok := lookup(env); ok && v != "" {
				if err := setConfigValue(&Config{}, key, v); err != nil {
					return nil, fmt.Errorf("%s: %w", env, err)
				}
				value, source = v, "env "+env
			}
		}
		if value == "" {
			value, source = configDefaults[key], "default"
			if value == "" {
				source = "unset"
			}
		}
		if key == "auth.token" && value != "" {
			value = maskKey(value)
		}
		out = append(out, setting{Key: key, Value: value, Source: source})
	}
	return out, nil
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration and where each value comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		_ = godotenv.Load(".env")
		settings, err := effectiveSettings(cfg, envLookup)
		if err != nil {
			return err
		}
		if configShowJSON {
			return printJSON(settings)
		}
		for _, s := range settings {
			fmt.Printf("%-18s %-36s %s\n", s.Key, valueOrDefault(s.Value, "-"), s.Source)
		}
		if path, err := configPath(); err == nil {
			fmt.Printf("\nfile: %s\n", path)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.transport sse",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := updateConfig(key, value); err != nil {
			return err
		}
		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		if env := envVarFor(key); env != "" {
			if v, ok := envLookup(env); ok && v != "" {
				fmt.Printf("Note: %s is set and overrides this value.\n", env)
			}
		}
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := updateConfig(args[0], ""); err != nil {
			return err
		}
		fmt.Printf("Unset %s\n", args[0])
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

// updateConfig writes one key to the file, leaving environment overrides out
// of the saved result.
func updateConfig(key, value string) error {
	cfg, err := readConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}
