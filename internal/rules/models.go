package rules

import (
	"bytes"
	"encoding/json"
)

// Operator represents a comparison operator used in segment rules.
type Operator string

// Supported segment operators (wire names from the configuration document).
const (
	OpEndsWith          Operator = "endsWith"
	OpStartsWith        Operator = "startsWith"
	OpContains          Operator = "contains"
	OpIs                Operator = "is"
	OpGreaterThan       Operator = "greaterThan"
	OpLesserThan        Operator = "lesserThan"
	OpGreaterThanEquals Operator = "greaterThanEquals"
	OpLesserThanEquals  Operator = "lesserThanEquals"
)

// DefaultValueMarker is the wire form of a segment-rule value that defers to
// the owning feature's enabled value or the property's default value.
const DefaultValueMarker = "$default"

// Rule is one attribute comparison. A rule matches when any of its Values
// matches the entity attribute (OR semantics).
type Rule struct {
	AttributeName string   `json:"attribute_name"`
	Operator      Operator `json:"operator"`
	Values        []any    `json:"values"`
}

// UnmarshalJSON decodes numbers as int64/float64 instead of always float64.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type alias Rule
	var aux alias
	if err := DecodeJSON(data, &aux); err != nil {
		return err
	}
	for i, v := range aux.Values {
		aux.Values[i] = Normalize(v)
	}
	*r = Rule(aux)
	return nil
}

// Segment is a named predicate over entity attributes.
// All rules must match for the segment to match (AND semantics).
type Segment struct {
	ID    string `json:"segment_id"`
	Name  string `json:"name"`
	Rules []Rule `json:"rules"`
}

// RuleGroup lists segment ids; the first matching segment wins.
type RuleGroup struct {
	Segments []string `json:"segments"`
}

// SegmentRule maps one or more segments to a value. Order is 1-based and
// defines evaluation priority (ascending).
type SegmentRule struct {
	Order int         `json:"order"`
	Value Value       `json:"value"`
	Rules []RuleGroup `json:"rules"`
}

// Value is either a literal or a reference to the owner's base value.
type Value struct {
	useBase bool
	literal any
}

// BaseValue returns the Value that resolves to the owner's enabled/default value.
func BaseValue() Value { return Value{useBase: true} }

// Literal wraps v as a literal segment-rule value.
func Literal(v any) Value { return Value{literal: v} }

// IsBase reports whether the value defers to the owner's base value.
func (v Value) IsBase() bool { return v.useBase }

// Literal returns the literal value; nil for base values.
func (v Value) Literal() any { return v.literal }

// Resolve returns the literal, or base when the value defers to it.
func (v Value) Resolve(base any) any {
	if v.useBase {
		return base
	}
	return v.literal
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.useBase {
		return json.Marshal(DefaultValueMarker)
	}
	return json.Marshal(v.literal)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Value{}
		return nil
	}
	decoded, err := DecodeValue(data)
	if err != nil {
		return err
	}
	if s, ok := decoded.(string); ok && s == DefaultValueMarker {
		*v = BaseValue()
		return nil
	}
	*v = Literal(decoded)
	return nil
}
