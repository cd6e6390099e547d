package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/appconfig/internal/cli"
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "List feature flags",
	Long: `List every feature flag of the collection and environment.

Examples:
  appconfig features --profile prod
  appconfig features --offline --bootstrap config.json --format json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		logger := newLogger(cfg)
		app, err := connect(cmd.Context(), cfg, logger, nil, true)
		if err != nil {
			return err
		}
		defer closeApp(app, logger)

		features, err := app.GetFeatures()
		if err != nil {
			return fmt.Errorf("failed to list features: %w", err)
		}
		rows := make([]cli.FeatureRow, 0, len(features))
		for _, f := range features {
			rows = append(rows, cli.FeatureRow{
				ID:            f.ID(),
				Name:          f.Name(),
				Type:          f.DataType(),
				Enabled:       f.IsEnabled(),
				EnabledValue:  f.EnabledValue(),
				DisabledValue: f.DisabledValue(),
				Rollout:       f.RolloutPercentage(),
			})
		}

		if !quiet {
			return cli.PrintFeatures(cmd.OutOrStdout(), rows, cli.OutputFormat(format))
		}
		return nil
	},
}

var propertiesCmd = &cobra.Command{
	Use:   "properties",
	Short: "List properties",
	Long: `List every property of the collection and environment with its default value.

Examples:
  appconfig properties --profile prod --format yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		logger := newLogger(cfg)
		app, err := connect(cmd.Context(), cfg, logger, nil, true)
		if err != nil {
			return err
		}
		defer closeApp(app, logger)

		props, err := app.GetProperties()
		if err != nil {
			return fmt.Errorf("failed to list properties: %w", err)
		}
		rows := make([]cli.PropertyRow, 0, len(props))
		for _, p := range props {
			rows = append(rows, cli.PropertyRow{ID: p.ID(), Name: p.Name(), Type: p.DataType(), Value: p.Value()})
		}

		if !quiet {
			return cli.PrintProperties(cmd.OutOrStdout(), rows, cli.OutputFormat(format))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(featuresCmd)
	rootCmd.AddCommand(propertiesCmd)
}
