package commands

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/appconfig/internal/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the appconfig CLI profile file.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long: `Create a default configuration file at ~/.appconfig/config.yaml

Example:
  appconfig config init`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cli.InitConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		configPath, _ := cli.GetConfigPath()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
		fmt.Fprintln(out, "\nPlease edit the file to set your instance GUID, API key and collection.")
		fmt.Fprintln(out, "Example:")
		fmt.Fprintln(out, "  appconfig config set default.apikey <apikey>")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration",
	Long: `Display the configured profiles. API keys are masked.

Example:
  appconfig config list`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Default Profile: %s\n\n", cfg.DefaultProfile)
		fmt.Fprintln(out, "Profiles:")
		names := make([]string, 0, len(cfg.Profiles))
		for name := range cfg.Profiles {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			p := cfg.Profiles[name]
			fmt.Fprintf(out, "  %s:\n", name)
			fmt.Fprintf(out, "    region: %s\n", p.Region)
			fmt.Fprintf(out, "    guid: %s\n", p.GUID)
			fmt.Fprintf(out, "    apikey: %s\n", cli.MaskKey(p.APIKey))
			fmt.Fprintf(out, "    collection_id: %s\n", p.CollectionID)
			fmt.Fprintf(out, "    environment_id: %s\n", p.EnvironmentID)
			if p.ServiceURL != "" {
				fmt.Fprintf(out, "    service_url: %s\n", p.ServiceURL)
			}
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <profile.key>",
	Short: "Get a configuration value",
	Long: `Get a specific configuration value.

Examples:
  appconfig config get default.region
  appconfig config get prod.collection_id`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		v, err := cfg.GetValue(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <profile.key> <value>",
	Short: "Set a configuration value",
	Long: `Set a specific configuration value, creating the profile if needed.

Examples:
  appconfig config set prod.region eu-gb
  appconfig config set prod.apikey my-secret-key`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.SetValue(args[0], args[1]); err != nil {
			return err
		}
		if err := cli.SaveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Successfully set %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}
