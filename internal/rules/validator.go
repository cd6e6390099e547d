package rules

import (
	"errors"
	"fmt"
	"sort"
)

// Sentinel errors returned by the validators.
var (
	ErrInvalidOperator    = errors.New("invalid operator")
	ErrInvalidRule        = errors.New("invalid rule")
	ErrInvalidSegment     = errors.New("invalid segment")
	ErrInvalidSegmentRule = errors.New("invalid segment rule")
)

// validOperators is the set of all recognised segment operators.
var validOperators = map[Operator]struct{}{
	OpEndsWith:          {},
	OpStartsWith:        {},
	OpContains:          {},
	OpIs:                {},
	OpGreaterThan:       {},
	OpLesserThan:        {},
	OpGreaterThanEquals: {},
	OpLesserThanEquals:  {},
}

// IsValidOperator reports whether op is one of the schema operators.
func IsValidOperator(op Operator) bool {
	_, ok := validOperators[op]
	return ok
}

// ValidateSegment checks a decoded segment. It never mutates s.
func ValidateSegment(s Segment) error {
	if s.ID == "" {
		return fmt.Errorf("%w: segment_id must not be empty", ErrInvalidSegment)
	}
	if s.Rules == nil {
		return fmt.Errorf("%w: segment %q has no rules array", ErrInvalidSegment, s.ID)
	}
	for i, r := range s.Rules {
		if err := validateRule(i, r); err != nil {
			return fmt.Errorf("segment %q: %w", s.ID, err)
		}
	}
	return nil
}

func validateRule(i int, r Rule) error {
	if r.AttributeName == "" {
		return fmt.Errorf("%w: rule[%d] attribute_name must not be empty", ErrInvalidRule, i)
	}
	if !IsValidOperator(r.Operator) {
		return fmt.Errorf("%w: rule[%d] operator %q is not supported", ErrInvalidOperator, i, r.Operator)
	}
	if r.Values == nil {
		return fmt.Errorf("%w: rule[%d] values must be an array", ErrInvalidRule, i)
	}
	return nil
}

// ValidateSegmentRules checks orders are positive and each clause names at
// least one segment. Duplicate orders are reported; NormalizeSegmentRules
// resolves them.
func ValidateSegmentRules(srs []SegmentRule) error {
	seen := make(map[int]struct{}, len(srs))
	for i, sr := range srs {
		if sr.Order < 1 {
			return fmt.Errorf("%w: segment_rules[%d] order must be >= 1, got %d", ErrInvalidSegmentRule, i, sr.Order)
		}
		if _, dup := seen[sr.Order]; dup {
			return fmt.Errorf("%w: segment_rules[%d] duplicate order %d", ErrInvalidSegmentRule, i, sr.Order)
		}
		seen[sr.Order] = struct{}{}
		for j, g := range sr.Rules {
			if len(g.Segments) == 0 {
				return fmt.Errorf("%w: segment_rules[%d].rules[%d] has no segments", ErrInvalidSegmentRule, i, j)
			}
		}
	}
	return nil
}

// NormalizeSegmentRules returns a copy sorted by ascending order. When two
// clauses share an order the later one in document order wins.
func NormalizeSegmentRules(srs []SegmentRule) []SegmentRule {
	byOrder := make(map[int]SegmentRule, len(srs))
	for _, sr := range srs {
		byOrder[sr.Order] = sr
	}
	out := make([]SegmentRule, 0, len(byOrder))
	for _, sr := range byOrder {
		out = append(out, sr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
