// Package cli holds the appconfig CLI's config file and output formatting.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// OutputFormat specifies the output format for CLI commands.
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// FeatureRow is the printable form of a feature.
type FeatureRow struct {
	ID            string `json:"feature_id" yaml:"feature_id"`
	Name          string `json:"name" yaml:"name"`
	Type          string `json:"type" yaml:"type"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	EnabledValue  any    `json:"enabled_value" yaml:"enabled_value"`
	DisabledValue any    `json:"disabled_value" yaml:"disabled_value"`
	Rollout       int    `json:"rollout_percentage" yaml:"rollout_percentage"`
}

// PropertyRow is the printable form of a property.
type PropertyRow struct {
	ID    string `json:"property_id" yaml:"property_id"`
	Name  string `json:"name" yaml:"name"`
	Type  string `json:"type" yaml:"type"`
	Value any    `json:"value" yaml:"value"`
}

// EvaluationRow is the printable form of one evaluation.
type EvaluationRow struct {
	ID        string `json:"id" yaml:"id"`
	EntityID  string `json:"entity_id" yaml:"entity_id"`
	Value     any    `json:"value" yaml:"value"`
	SegmentID string `json:"segment_id,omitempty" yaml:"segment_id,omitempty"`
	Enabled   bool   `json:"enabled" yaml:"enabled"`
}

// PrintFeatures outputs features sorted by id.
func PrintFeatures(w io.Writer, rows []FeatureRow, format OutputFormat) error {
	slices.SortFunc(rows, func(a, b FeatureRow) int { return strings.Compare(a.ID, b.ID) })
	switch format {
	case FormatJSON:
		return printJSON(w, map[string][]FeatureRow{"features": rows})
	case FormatYAML:
		return printYAML(w, map[string][]FeatureRow{"features": rows})
	case FormatTable:
		table := tablewriter.NewWriter(w)
		table.Header("ID", "Name", "Type", "Enabled", "Rollout", "Enabled Value", "Disabled Value")
		for _, r := range rows {
			if err := table.Append(r.ID, truncate(r.Name), r.Type, cast.ToString(r.Enabled),
				fmt.Sprintf("%d%%", r.Rollout), display(r.EnabledValue), display(r.DisabledValue)); err != nil {
				return err
			}
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintProperties outputs properties sorted by id.
func PrintProperties(w io.Writer, rows []PropertyRow, format OutputFormat) error {
	slices.SortFunc(rows, func(a, b PropertyRow) int { return strings.Compare(a.ID, b.ID) })
	switch format {
	case FormatJSON:
		return printJSON(w, map[string][]PropertyRow{"properties": rows})
	case FormatYAML:
		return printYAML(w, map[string][]PropertyRow{"properties": rows})
	case FormatTable:
		table := tablewriter.NewWriter(w)
		table.Header("ID", "Name", "Type", "Value")
		for _, r := range rows {
			if err := table.Append(r.ID, truncate(r.Name), r.Type, display(r.Value)); err != nil {
				return err
			}
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintEvaluation outputs a single evaluation.
func PrintEvaluation(w io.Writer, row EvaluationRow, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, row)
	case FormatYAML:
		return printYAML(w, row)
	case FormatTable:
		table := tablewriter.NewWriter(w)
		table.Header("ID", "Entity", "Value", "Segment", "Enabled")
		if err := table.Append(row.ID, row.EntityID, display(row.Value), row.SegmentID, cast.ToString(row.Enabled)); err != nil {
			return err
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func printJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printYAML(w io.Writer, data any) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

// display renders scalar values as-is and everything else as compact JSON.
func display(v any) string {
	if s, err := cast.ToStringE(v); err == nil {
		return truncate(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return truncate(string(data))
}

func truncate(s string) string {
	if len(s) > 40 {
		return s[:37] + "..."
	}
	return s
}
