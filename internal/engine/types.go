package engine

import "github.com/TimurManjosov/appconfig/internal/rules"

// NoSegment is the segment id reported when no segment matched. Metering
// serializes it as null.
const NoSegment = "$$null$$"

// Attributes are the entity attributes rules are evaluated against.
type Attributes map[string]any

// SegmentLookup resolves segment ids to definitions.
type SegmentLookup interface {
	Segment(id string) (rules.Segment, bool)
}

// SegmentMap is a SegmentLookup over a plain map.
type SegmentMap map[string]rules.Segment

func (m SegmentMap) Segment(id string) (rules.Segment, bool) {
	s, ok := m[id]
	return s, ok
}

// Result is the outcome of evaluating a feature or property for one entity.
type Result struct {
	Value     any    `json:"value"`
	SegmentID string `json:"segment_id"`
	// Enabled is the feature's enabled state for this entity; always true for properties.
	Enabled bool `json:"enabled"`
}

// Matched reports whether a segment rule decided the value.
func (r Result) Matched() bool { return r.SegmentID != NoSegment }
