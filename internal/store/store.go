// Package store holds the feature, property and segment definitions parsed
// from a configuration document, and the file persistence for that document.
package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/appconfig/internal/rules"
)

// DataType is the declared type of a feature or property value.
type DataType string

const (
	TypeBoolean DataType = "BOOLEAN"
	TypeString  DataType = "STRING"
	TypeNumeric DataType = "NUMERIC"
)

// Format qualifies STRING values.
type Format string

const (
	FormatText Format = "TEXT"
	FormatJSON Format = "JSON"
	FormatYAML Format = "YAML"
)

// DefaultRollout applies when rollout_percentage is absent.
const DefaultRollout = 100

// Feature is a flag definition. Values are immutable once parsed; a reload
// replaces the whole map rather than mutating entries.
type Feature struct {
	ID                string              `json:"feature_id"`
	Name              string              `json:"name"`
	Type              DataType            `json:"type"`
	Format            Format              `json:"format,omitempty"`
	Enabled           bool                `json:"enabled"`
	EnabledValue      any                 `json:"enabled_value"`
	DisabledValue     any                 `json:"disabled_value"`
	RolloutPercentage int                 `json:"rollout_percentage"`
	SegmentRules      []rules.SegmentRule `json:"segment_rules"`
}

func (f *Feature) UnmarshalJSON(data []byte) error {
	type alias Feature
	aux := struct {
		*alias
		EnabledValue      json.RawMessage `json:"enabled_value"`
		DisabledValue     json.RawMessage `json:"disabled_value"`
		RolloutPercentage *int            `json:"rollout_percentage"`
	}{alias: (*alias)(f)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if f.EnabledValue, err = decodeRaw(aux.EnabledValue); err != nil {
		return fmt.Errorf("enabled_value: %w", err)
	}
	if f.DisabledValue, err = decodeRaw(aux.DisabledValue); err != nil {
		return fmt.Errorf("disabled_value: %w", err)
	}
	f.RolloutPercentage = DefaultRollout
	if aux.RolloutPercentage != nil {
		f.RolloutPercentage = *aux.RolloutPercentage
	}
	return nil
}

// DataFormat reports the value format, TEXT for STRING features without one.
func (f Feature) DataFormat() Format {
	return dataFormat(f.Type, f.Format)
}

// Property is an always-on configuration value.
type Property struct {
	ID           string              `json:"property_id"`
	Name         string              `json:"name"`
	Type         DataType            `json:"type"`
	Format       Format              `json:"format,omitempty"`
	Value        any                 `json:"value"`
	SegmentRules []rules.SegmentRule `json:"segment_rules"`
}

func (p *Property) UnmarshalJSON(data []byte) error {
	type alias Property
	aux := struct {
		*alias
		Value json.RawMessage `json:"value"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	v, err := decodeRaw(aux.Value)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}
	p.Value = v
	return nil
}

// DataFormat reports the value format, TEXT for STRING properties without one.
func (p Property) DataFormat() Format {
	return dataFormat(p.Type, p.Format)
}

func dataFormat(t DataType, f Format) Format {
	if f == "" && t == TypeString {
		return FormatText
	}
	return f
}

func decodeRaw(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return rules.DecodeValue(raw)
}

// DecodeFormatted parses a STRING value declared as JSON or YAML into a
// structured value. TEXT and non-string values are returned unchanged.
func DecodeFormatted(format Format, v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	switch Format(strings.ToUpper(string(format))) {
	case FormatJSON:
		out, err := rules.DecodeValue([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("decode JSON value: %w", err)
		}
		return out, nil
	case FormatYAML:
		var out any
		if err := yaml.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("decode YAML value: %w", err)
		}
		return out, nil
	default:
		return v, nil
	}
}
