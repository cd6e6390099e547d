package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/appconfig/appconfig"
	"github.com/TimurManjosov/appconfig/internal/cli"
	"github.com/TimurManjosov/appconfig/internal/store"
)

var (
	entityID string
	attrs    []string
	decode   bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <feature|property> <id>",
	Short: "Evaluate a feature flag or property for an entity",
	Long: `Evaluate a feature flag or property for one entity and its attributes,
reporting the value and the segment that decided it.

Attribute values that are valid JSON keep their type (numbers, booleans),
everything else is a string.

Examples:
  appconfig evaluate feature dark_mode --entity user-1 --attr email=a@in.ibm.com
  appconfig evaluate property limits --entity user-1 --attr age=30 --decode --format json`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"feature", "property"},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, id := args[0], args[1]
		if kind != "feature" && kind != "property" {
			return fmt.Errorf("unknown kind %q, expected feature or property", kind)
		}
		if entityID == "" {
			return fmt.Errorf("--entity is required")
		}
		attributes, err := parseAttrs(attrs)
		if err != nil {
			return err
		}

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

		var (
			ev         *appconfig.Evaluation
			dataFormat string
		)
		switch kind {
		case "feature":
			f, err := app.GetFeature(id)
			if err != nil {
				return fmt.Errorf("failed to get feature: %w", err)
			}
			ev, dataFormat = f.Evaluate(entityID, attributes), f.Format()
		default:
			p, err := app.GetProperty(id)
			if err != nil {
				return fmt.Errorf("failed to get property: %w", err)
			}
			ev, dataFormat = p.Evaluate(entityID, attributes), p.Format()
		}

		row := cli.EvaluationRow{ID: id, EntityID: entityID, Value: ev.Value, Enabled: ev.Enabled}
		if ev.Matched() {
			row.SegmentID = ev.SegmentID
		}
		if decode {
			if row.Value, err = store.DecodeFormatted(store.Format(dataFormat), ev.Value); err != nil {
				return fmt.Errorf("failed to decode value: %w", err)
			}
		}

		if !quiet {
			return cli.PrintEvaluation(cmd.OutOrStdout(), row, cli.OutputFormat(format))
		}
		return nil
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&entityID, "entity", "", "Entity id (user, device, request)")
	evaluateCmd.Flags().StringArrayVar(&attrs, "attr", nil, "Entity attribute as key=value (repeatable)")
	evaluateCmd.Flags().BoolVar(&decode, "decode", false, "Parse JSON and YAML formatted values")
	rootCmd.AddCommand(evaluateCmd)
}
